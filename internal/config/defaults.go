package config

import "path/filepath"

// Default configuration values.
const (
	DefaultStatePath           = ".shipyard/state.db"
	DefaultCacheDir            = ".shipyard/cache"
	DefaultCacheBackend        = "local"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "auto"
	DefaultForgeBaseURL        = "https://api.github.com"
	DefaultTokenEnv            = "GITHUB_TOKEN"
	DefaultStatusContext       = "shipyard/release"
	DefaultNotifyTimeout       = 10
	DefaultRemote              = "origin"
	DefaultPrimaryBranch       = "main"
	DefaultReleaseBranch       = "release"
	DefaultTagFormat           = "v{version}"
	DefaultPrepareResultFile   = ".shipyard/prepare.yaml"
	DefaultPRTitle             = "Release {version}"
	DefaultDebugSessionTimeout = 30
	DefaultPollInterval        = 10
	DefaultWaitTimeout         = 120
	DefaultBuildTimeout        = 60
)

// defaultValues seeds the lowest configuration layer.
func defaultValues() map[string]any {
	return map[string]any{
		"state_path":                      DefaultStatePath,
		"build.timeout_minutes":           DefaultBuildTimeout,
		"build.max_attempts":              1,
		"cache.dir":                       DefaultCacheDir,
		"cache.backend":                   DefaultCacheBackend,
		"cache.s3.access_key_env":         "AWS_ACCESS_KEY_ID",
		"cache.s3.secret_key_env":         "AWS_SECRET_ACCESS_KEY",
		"cache.s3.use_ssl":                true,
		"log.level":                       DefaultLogLevel,
		"log.format":                      DefaultLogFormat,
		"forge.base_url":                  DefaultForgeBaseURL,
		"forge.token_env":                 DefaultTokenEnv,
		"notify.status_context":           DefaultStatusContext,
		"notify.timeout_seconds":          DefaultNotifyTimeout,
		"release.remote":                  DefaultRemote,
		"release.primary_branch":          DefaultPrimaryBranch,
		"release.release_branch":          DefaultReleaseBranch,
		"release.tag_format":              DefaultTagFormat,
		"release.prepare_result_file":     DefaultPrepareResultFile,
		"release.auto_merge":              true,
		"release.pr_title":                DefaultPRTitle,
		"debug.session_timeout_minutes":   DefaultDebugSessionTimeout,
		"supersede.poll_interval_seconds": DefaultPollInterval,
		"supersede.wait_timeout_minutes":  DefaultWaitTimeout,
	}
}

// applyDefaults fills values that depend on other fields.
func applyDefaults(cfg *Config) {
	for i := range cfg.Tests {
		if cfg.Tests[i].Env == nil {
			cfg.Tests[i].Env = map[string]string{}
		}
	}
	if cfg.Build.Env == nil {
		cfg.Build.Env = map[string]string{}
	}
	if cfg.Cache.S3.Region == "" {
		cfg.Cache.S3.Region = "us-east-1"
	}
}

// resolvePaths anchors relative paths at the project root.
func resolvePaths(cfg *Config) {
	cfg.StatePath = resolvePathRelativeTo(cfg.StatePath, cfg.ProjectRoot)
	cfg.Cache.Dir = resolvePathRelativeTo(cfg.Cache.Dir, cfg.ProjectRoot)
	cfg.Release.PrepareResultFile = resolvePathRelativeTo(cfg.Release.PrepareResultFile, cfg.ProjectRoot)
}

// resolvePathRelativeTo resolves a path relative to baseDir if it's not absolute.
// Returns the path unchanged if it's empty or already absolute.
func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
