//go:build unix

package shell

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ExitCodes(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"success", "true", 0},
		{"failure", "exit 3", 3},
		{"last command", "true; false", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := Run(context.Background(), Command{Script: tt.script, Stdout: &bytes.Buffer{}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestRun_EnvAndDir(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	code, err := Run(context.Background(), Command{
		Script: `echo "$GREETING"; pwd`,
		Dir:    dir,
		Env:    map[string]string{"GREETING": "hello"},
		Stdout: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "hello\n")
	assert.Contains(t, out.String(), resolved)
}

func TestRun_CancelKillsProcessGroup(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "survived")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, err := Run(ctx, Command{Script: "(sleep 1; touch " + marker + ") & wait"})
	assert.Equal(t, -1, code)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	time.Sleep(1200 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "child process outlived cancellation")
}

func TestRun_BackgroundChildHoldingOutput(t *testing.T) {
	saved := pipeWaitDelay
	pipeWaitDelay = 200 * time.Millisecond
	t.Cleanup(func() { pipeWaitDelay = saved })

	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"shell succeeds", "echo ready; sleep 3 &", 0},
		{"shell fails", "echo ready; sleep 3 & exit 4", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer

			start := time.Now()
			code, err := Run(context.Background(), Command{Script: tt.script, Stdout: &out})
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
			assert.Less(t, time.Since(start), 2*time.Second)
			assert.Equal(t, "ready\n", out.String())
		})
	}
}

func TestOutput(t *testing.T) {
	got, err := Output(context.Background(), Command{Script: "echo '  v1.2.3  '"})
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", got)

	_, err = Output(context.Background(), Command{Script: "echo nope >&2; exit 2"})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
	assert.Equal(t, "exit status 2: nope", exitErr.Error())
}

func TestEnviron_ExtraWins(t *testing.T) {
	t.Setenv("SHIPYARD_SHELL_TEST", "inherited")
	env := Environ(map[string]string{"SHIPYARD_SHELL_TEST": "override"})
	assert.Equal(t, "SHIPYARD_SHELL_TEST=override", env[len(env)-1])
}

func TestPrefixWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewPrefixWriter(&buf, "[linux/unit] ")

	_, err := w.Write([]byte("one\ntw"))
	require.NoError(t, err)
	_, err = w.Write([]byte("o\nthree"))
	require.NoError(t, err)
	assert.Equal(t, "[linux/unit] one\n[linux/unit] two\n", buf.String())

	require.NoError(t, w.Flush())
	assert.Equal(t, "[linux/unit] one\n[linux/unit] two\n[linux/unit] three\n", buf.String())
}
