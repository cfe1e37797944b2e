package release

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AndreyAkinshin/shipyard/internal/model"
)

// WriteEnvScript writes a POSIX shell script exporting every run variable
// so external steps can source it.
func WriteEnvScript(path string, rc model.RunContext) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating env script directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(RenderEnvScript(rc)), 0o644); err != nil {
		return fmt.Errorf("writing env script: %w", err)
	}
	return nil
}

// RenderEnvScript returns the script content, one export per line in key
// order.
func RenderEnvScript(rc model.RunContext) string {
	env := rc.Env()
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, k := range rc.EnvKeys() {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(env[k]))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
