package cache

import (
	"archive/tar"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Archive member prefixes. Paths relative to the store root are kept under
// "rel/", absolute paths under "abs/".
const (
	relPrefix = "rel/"
	absPrefix = "abs/"
)

// Manifest describes the contents of one snapshot. It is stored CBOR-encoded
// next to the index entry.
type Manifest struct {
	Paths   []string `cbor:"1,keyasint"`
	Missing []string `cbor:"2,keyasint,omitempty"`
	Files   int      `cbor:"3,keyasint"`
	Bytes   int64    `cbor:"4,keyasint"`
}

var (
	manifestEncMode cbor.EncMode
	manifestDecMode cbor.DecMode
)

func init() {
	var err error
	manifestEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	manifestDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeManifest(m Manifest) ([]byte, error) {
	return manifestEncMode.Marshal(m)
}

// DecodeManifest parses a manifest stored in the index.
func DecodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if len(data) == 0 {
		return m, nil
	}
	if err := manifestDecMode.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// writeSnapshot archives paths into w as a zstd-compressed tar stream and
// returns the BLAKE3 digest of the compressed bytes. Paths that do not exist
// are recorded as missing and skipped.
func writeSnapshot(w io.Writer, root string, paths []string) (string, Manifest, error) {
	hasher := blake3.New()
	counter := &countingWriter{w: io.MultiWriter(w, hasher)}

	encoder, err := zstd.NewWriter(counter, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", Manifest{}, fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	manifest := Manifest{Paths: append([]string(nil), paths...)}
	sort.Strings(manifest.Paths)

	for _, p := range manifest.Paths {
		source := resolve(root, p)
		if _, err := os.Lstat(source); os.IsNotExist(err) {
			manifest.Missing = append(manifest.Missing, p)
			continue
		}
		err := filepath.WalkDir(source, func(file string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			rel, err := filepath.Rel(source, file)
			if err != nil {
				return err
			}
			name := memberName(p, rel)
			info, err := d.Info()
			if err != nil {
				return err
			}
			return addMember(tw, file, name, info, &manifest)
		})
		if err != nil {
			_ = encoder.Close()
			return "", Manifest{}, fmt.Errorf("archive %s: %w", p, err)
		}
	}

	if err := tw.Close(); err != nil {
		_ = encoder.Close()
		return "", Manifest{}, fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return "", Manifest{}, fmt.Errorf("close zstd: %w", err)
	}
	manifest.Bytes = counter.n
	return hex.EncodeToString(hasher.Sum(nil)), manifest, nil
}

func addMember(tw *tar.Writer, file, name string, info fs.FileInfo, m *Manifest) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(file)
		if err != nil {
			return err
		}
		link = target
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return err
	}
	m.Files++
	return nil
}

// extractSnapshot unpacks a snapshot written by writeSnapshot. When paths is
// non-empty only members under one of those paths are restored.
func extractSnapshot(r io.Reader, root string, paths []string) error {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	wanted := make([]string, 0, len(paths))
	for _, p := range paths {
		wanted = append(wanted, memberName(p, "."))
	}

	tr := tar.NewReader(decoder)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		name := strings.TrimSuffix(hdr.Name, "/")
		if len(wanted) > 0 && !underAny(name, wanted) {
			continue
		}
		target, err := memberTarget(root, name)
		if err != nil {
			return err
		}
		if err := extractMember(tr, hdr, target); err != nil {
			return fmt.Errorf("extract %s: %w", name, err)
		}
	}
}

func extractMember(tr *tar.Reader, hdr *tar.Header, target string) error {
	mode := hdr.FileInfo().Mode()
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, mode.Perm()|0o700)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	default:
		return nil
	}
}

// memberName maps a cache path and a path relative to it onto an archive
// member name.
func memberName(p, rel string) string {
	var base string
	if filepath.IsAbs(p) {
		base = absPrefix + strings.TrimPrefix(filepath.ToSlash(filepath.Clean(p)), "/")
	} else {
		base = relPrefix + filepath.ToSlash(filepath.Clean(p))
	}
	if rel == "." {
		return base
	}
	return path.Join(base, filepath.ToSlash(rel))
}

// memberTarget maps an archive member name back onto the filesystem and
// rejects names escaping their base.
func memberTarget(root, name string) (string, error) {
	var base, rest string
	switch {
	case strings.HasPrefix(name, absPrefix):
		base, rest = string(filepath.Separator), strings.TrimPrefix(name, absPrefix)
	case strings.HasPrefix(name, relPrefix):
		base, rest = root, strings.TrimPrefix(name, relPrefix)
	default:
		return "", fmt.Errorf("unexpected archive member %q", name)
	}
	clean := path.Clean("/" + rest)
	if clean != "/"+rest {
		return "", fmt.Errorf("unsafe archive member %q", name)
	}
	return filepath.Join(base, filepath.FromSlash(clean)), nil
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

func underAny(name string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if name == prefix || strings.HasPrefix(name, prefix+"/") {
			return true
		}
	}
	return false
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
