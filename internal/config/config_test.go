package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreyAkinshin/shipyard/internal/model"
)

func copyFixture(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "shipyard.yaml"))
	require.NoError(t, err)
	dir := t.TempDir()
	path := filepath.Join(dir, "shipyard.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func writePipeline(t *testing.T, mutate func(string) string) string {
	t.Helper()
	path := copyFixture(t)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(mutate(string(data))), 0o644))
	return path
}

func TestLoad_Fixture(t *testing.T) {
	path := copyFixture(t)

	cfg, warnings, err := Load(path, nil)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	root := filepath.Dir(path)
	assert.Equal(t, root, cfg.ProjectRoot)
	assert.Equal(t, "linux", cfg.PrimaryPlatform())
	require.Len(t, cfg.Tests, 2)
	assert.Equal(t, map[string]int{"linux": 2, "macos": 3}, cfg.Tests[0].MaxAttempts)
	assert.Equal(t, "1", cfg.Tests[0].Env["RUST_BACKTRACE"])
	assert.NotNil(t, cfg.Tests[1].Env)

	// Paths are anchored at the pipeline file.
	assert.Equal(t, filepath.Join(root, ".cache/shipyard"), cfg.Cache.Dir)
	assert.Equal(t, filepath.Join(root, DefaultStatePath), cfg.StatePath)
	assert.Equal(t, filepath.Join(root, DefaultPrepareResultFile), cfg.Release.PrepareResultFile)

	// Defaults fill the rest.
	assert.Equal(t, DefaultCacheBackend, cfg.Cache.Backend)
	assert.Equal(t, DefaultForgeBaseURL, cfg.Forge.BaseURL)
	assert.Equal(t, DefaultStatusContext, cfg.Notify.StatusContext)
	assert.Equal(t, "holochain-{version}", cfg.Release.TagFormat)
	assert.Equal(t, DefaultReleaseBranch, cfg.Release.ReleaseBranch)
	assert.True(t, cfg.Release.AutoMerge)
	assert.Equal(t, DefaultDebugSessionTimeout, cfg.Debug.SessionTimeoutMinutes)
	assert.Equal(t, []string{"steveej", "jost-s"}, cfg.Debug.Maintainers)
	assert.Equal(t, DefaultBuildTimeout, cfg.Build.TimeoutMinutes)
	assert.Equal(t, 1, cfg.Build.MaxAttempts)
	assert.Empty(t, cfg.Build.Run)
	assert.NotNil(t, cfg.Build.Env)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := copyFixture(t)
	t.Setenv("SHIPYARD_LOG__LEVEL", "debug")
	t.Setenv("SHIPYARD_RELEASE__PRIMARY_BRANCH", "develop")
	// Run variables share the prefix and must be ignored.
	t.Setenv("SHIPYARD_DRY_RUN", "true")
	t.Setenv("SHIPYARD_TESTS", "bogus")

	cfg, _, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "develop", cfg.Release.PrimaryBranch)
	assert.Len(t, cfg.Tests, 2)
}

func TestLoad_RunVariablesDoNotBreakLoad(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"debug flag", "SHIPYARD_DEBUG", "true"},
		{"skip test", "SHIPYARD_SKIP_TEST", "false"},
		{"cancel in progress", "SHIPYARD_FORCE_CANCEL_IN_PROGRESS", "true"},
		{"section name", "SHIPYARD_RELEASE", "1"},
		{"list section", "SHIPYARD_EXCLUSIONS", "bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := copyFixture(t)
			t.Setenv(tt.key, tt.value)

			cfg, _, err := Load(path, nil)
			require.NoError(t, err)
			assert.Equal(t, "tmate -F", cfg.Debug.Command)
			assert.Equal(t, "holochain-{version}", cfg.Release.TagFormat)
			assert.Len(t, cfg.Exclusions, 2)
		})
	}
}

func TestLoad_NestedDebugOverride(t *testing.T) {
	path := copyFixture(t)
	t.Setenv("SHIPYARD_DEBUG", "true")
	t.Setenv("SHIPYARD_DEBUG__COMMAND", "upterm host")

	cfg, _, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "upterm host", cfg.Debug.Command)
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"SHIPYARD_CACHE__DIR", "cache.dir"},
		{"SHIPYARD_DEBUG__COMMAND", "debug.command"},
		{"SHIPYARD_STATE_PATH", "state_path"},
		{"SHIPYARD_DEBUG", ""},
		{"SHIPYARD_DEBUG__", ""},
		{"SHIPYARD_STATE_PATH__X", ""},
		{"SHIPYARD_TESTS", ""},
		{"SHIPYARD_TESTS__0__RUN", ""},
		{"SHIPYARD_DRY_RUN", ""},
		{"SHIPYARD_RUN_ID", ""},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			assert.Equal(t, tt.want, envKey(tt.env))
		})
	}
}

func TestLoad_ChangedFlagsOverrideEnv(t *testing.T) {
	path := copyFixture(t)
	t.Setenv("SHIPYARD_LOG__LEVEL", "warn")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.String("log-format", "auto", "")
	flags.String("state", "", "")
	flags.Bool("dry-run", false, "")
	require.NoError(t, flags.Parse([]string{"--log-level=error", "--state=/tmp/shipyard.db", "--dry-run"}))

	cfg, _, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, DefaultLogFormat, cfg.Log.Format, "unchanged flags do not apply")
	assert.Equal(t, "/tmp/shipyard.db", cfg.StatePath)
}

func TestLoad_UnknownRootFieldWarns(t *testing.T) {
	path := writePipeline(t, func(s string) string {
		return s + "\nowner_notes: ask before releasing\n"
	})

	_, warnings, err := Load(path, nil)
	require.NoError(t, err)
	assert.Contains(t, warnings, `unknown field "owner_notes" at root level (ignored)`)
}

func TestLoad_SchemaViolation(t *testing.T) {
	path := writePipeline(t, func(s string) string {
		return strings.Replace(s, "timeout_minutes: 90", "timeout_minutes: ninety", 1)
	})

	_, _, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline does not match schema")
}

func TestLoad_SemanticViolation(t *testing.T) {
	path := writePipeline(t, func(s string) string {
		return strings.Replace(s, "max_attempts: {linux: 2, macos: 3}", "max_attempts: {linux: 2}", 1)
	})

	_, _, err := Load(path, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tests[0].max_attempts.macos", verr.Field)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorContains(t, err, "failed to read pipeline file")
}

func TestFindFile(t *testing.T) {
	path := copyFixture(t)
	root := filepath.Dir(path)
	nested := filepath.Join(root, "crates", "holochain")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, err := FindFile("", nested)
	require.NoError(t, err)
	assert.Equal(t, path, found)

	found, err = FindFile(path, "/")
	require.NoError(t, err)
	assert.Equal(t, path, found)

	_, err = FindFile(filepath.Join(root, "nope.yaml"), root)
	assert.Error(t, err)

	_, err = FindFile("", t.TempDir())
	assert.ErrorContains(t, err, "no shipyard.yaml found")
}

func TestExcluder(t *testing.T) {
	cfg := &Config{Exclusions: []ExclusionConfig{
		{Platform: "macos", Test: "wasm"},
		{Test: "unit", Trigger: "pull_request"},
	}}
	exclude := cfg.Excluder()

	linux := model.Platform{Name: "linux", Primary: true}
	macos := model.Platform{Name: "macos"}
	unit := model.TestCommand{Name: "unit"}
	wasm := model.TestCommand{Name: "wasm"}

	assert.True(t, exclude(macos, wasm, model.TriggerSchedule))
	assert.False(t, exclude(linux, wasm, model.TriggerSchedule))
	assert.True(t, exclude(linux, unit, model.TriggerPullRequest))
	assert.False(t, exclude(linux, unit, model.TriggerDispatch))
}

func TestModelCommands_Copies(t *testing.T) {
	cfg := &Config{Tests: []TestConfig{{
		Name:        "unit",
		MaxAttempts: map[string]int{"linux": 2},
		CachePaths:  []string{"target"},
		Env:         map[string]string{"A": "1"},
	}}}

	cmds := cfg.ModelCommands()
	cmds[0].MaxAttempts["linux"] = 9
	cmds[0].CachePaths[0] = "other"
	cmds[0].Env["A"] = "2"

	assert.Equal(t, 2, cfg.Tests[0].MaxAttempts["linux"])
	assert.Equal(t, "target", cfg.Tests[0].CachePaths[0])
	assert.Equal(t, "1", cfg.Tests[0].Env["A"])
}

func TestModelPrepare(t *testing.T) {
	cfg := &Config{
		Platforms: []PlatformConfig{{Name: "linux", Primary: true}, {Name: "macos"}},
		Build: BuildConfig{
			Run:            "cargo build --workspace",
			CachePaths:     []string{"target"},
			TimeoutMinutes: 45,
			MaxAttempts:    2,
			Env:            map[string]string{"CARGO_INCREMENTAL": "0"},
		},
	}

	cmd := cfg.ModelPrepare()
	assert.Equal(t, model.PrepareCommandName, cmd.Name)
	assert.True(t, cmd.Prepare)
	assert.True(t, cmd.RestoresCache)
	assert.True(t, cmd.SavesCache)
	assert.False(t, cmd.IgnoreErrorOnSecondaryPlatform)
	assert.Equal(t, 45, cmd.TimeoutMinutes)
	assert.Equal(t, map[string]int{"linux": 2, "macos": 2}, cmd.MaxAttempts)
	assert.Equal(t, "cargo build --workspace", cmd.Run)

	cmd.CachePaths[0] = "other"
	cmd.Env["CARGO_INCREMENTAL"] = "1"
	assert.Equal(t, "target", cfg.Build.CachePaths[0])
	assert.Equal(t, "0", cfg.Build.Env["CARGO_INCREMENTAL"])
}

func TestModelPlatforms(t *testing.T) {
	cfg := &Config{Platforms: []PlatformConfig{{Name: "linux", Primary: true}, {Name: "macos"}}}
	assert.Equal(t, []model.Platform{{Name: "linux", Primary: true}, {Name: "macos"}}, cfg.ModelPlatforms())
}

func TestDetectUnknownFields_DocumentOrder(t *testing.T) {
	data := []byte("$schema: ./pipeline.schema.json\nzeta: 1\nplatforms: []\nalpha: 2\n")
	assert.Equal(t, []string{
		`unknown field "zeta" at root level (ignored)`,
		`unknown field "alpha" at root level (ignored)`,
	}, detectUnknownFields(data))
	assert.Empty(t, detectUnknownFields([]byte("- not\n- a mapping\n")))
}
