// Package shell runs shell scripts for matrix cells, the prepare and publish
// commands and git operations.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// pipeWaitDelay bounds how long Run waits for output after the shell exits
// or is killed. Descendants that detach and keep stdout open would
// otherwise hold Run until they exit.
var pipeWaitDelay = 5 * time.Second

// Command describes one invocation of sh -c.
type Command struct {
	Script string
	Dir    string
	Env    map[string]string // Added on top of the inherited environment
	Stdout io.Writer         // Defaults to os.Stdout
	Stderr io.Writer         // Defaults to os.Stderr
}

// Run executes c.Script via sh -c in its own process group. A non-zero exit
// is reported through the exit code with a nil error; err is set only when
// the process could not be started or was killed (context cancellation,
// signal), in which case the exit code is -1.
func Run(ctx context.Context, c Command) (int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Stdout = orDefault(c.Stdout, os.Stdout)
	cmd.Stderr = orDefault(c.Stderr, os.Stderr)
	cmd.Env = Environ(c.Env)
	cmd.WaitDelay = pipeWaitDelay
	setProcessGroup(cmd)

	err := cmd.Run()
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		return 0, nil
	}

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) && exitError.ExitCode() >= 0 {
		return exitError.ExitCode(), nil
	}
	return -1, err
}

// Output runs c and returns its trimmed stdout. A non-zero exit is an
// error carrying stderr.
func Output(ctx context.Context, c Command) (string, error) {
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	code, err := Run(ctx, c)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", &ExitError{Code: code, Stderr: strings.TrimSpace(stderr.String())}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// ExitError is returned by Output for a non-zero exit.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, e.Stderr)
}

// Environ returns the process environment with extra appended in sorted key
// order. Later entries win, so extra overrides inherited values.
func Environ(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// PrefixWriter prefixes every line written through it. Writers created
// for parallel cells may share one underlying writer; whole lines are
// written under a shared lock so output does not interleave mid-line.
type PrefixWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix []byte
	buf    []byte
}

var sharedMu sync.Mutex

// NewPrefixWriter returns a PrefixWriter writing to w.
func NewPrefixWriter(w io.Writer, prefix string) *PrefixWriter {
	return &PrefixWriter{mu: &sharedMu, w: w, prefix: []byte(prefix)}
}

func (p *PrefixWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			return len(b), nil
		}
		if err := p.emit(p.buf[:i+1]); err != nil {
			return 0, err
		}
		p.buf = p.buf[i+1:]
	}
}

// Flush writes any buffered partial line.
func (p *PrefixWriter) Flush() error {
	if len(p.buf) == 0 {
		return nil
	}
	line := append(p.buf, '\n')
	p.buf = nil
	return p.emit(line)
}

func (p *PrefixWriter) emit(line []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(p.prefix); err != nil {
		return err
	}
	_, err := p.w.Write(line)
	return err
}

func orDefault(w, fallback io.Writer) io.Writer {
	if w == nil {
		return fallback
	}
	return w
}
