// Package config loads and validates shipyard.yaml pipeline definitions.
package config

// Config represents a complete pipeline definition.
type Config struct {
	Platforms  []PlatformConfig  `koanf:"platforms"`
	Tests      []TestConfig      `koanf:"tests"`
	Exclusions []ExclusionConfig `koanf:"exclusions"`
	Build      BuildConfig       `koanf:"build"`
	Cache      CacheConfig       `koanf:"cache"`
	StatePath  string            `koanf:"state_path"`
	Log        LogConfig         `koanf:"log"`
	Forge      ForgeConfig       `koanf:"forge"`
	Notify     NotifyConfig      `koanf:"notify"`
	Release    ReleaseConfig     `koanf:"release"`
	Debug      DebugConfig       `koanf:"debug"`
	Supersede  SupersedeConfig   `koanf:"supersede"`

	// ProjectRoot is the directory containing the pipeline file. Relative
	// paths are resolved against it.
	ProjectRoot string `koanf:"-"`
	// File is the pipeline file that was loaded.
	File string `koanf:"-"`
}

// PlatformConfig declares a target platform.
type PlatformConfig struct {
	Name    string `koanf:"name"`
	Primary bool   `koanf:"primary"`
}

// TestConfig declares a test command run on every non-excluded platform.
type TestConfig struct {
	Name                           string            `koanf:"name"`
	Run                            string            `koanf:"run"`
	RestoresCache                  bool              `koanf:"restores_cache"`
	SavesCache                     bool              `koanf:"saves_cache"`
	IgnoreErrorOnSecondaryPlatform bool              `koanf:"ignore_error_on_secondary_platform"`
	TimeoutMinutes                 int               `koanf:"timeout_minutes"`
	MaxAttempts                    map[string]int    `koanf:"max_attempts"`
	CachePaths                     []string          `koanf:"cache_paths"`
	Env                            map[string]string `koanf:"env"`
}

// BuildConfig declares the build run once per platform before the test
// cells. Its snapshot is what test cells fall back to when they have no
// cache of their own, so it is saved even when Run is empty.
type BuildConfig struct {
	Run            string            `koanf:"run"`
	CachePaths     []string          `koanf:"cache_paths"`
	TimeoutMinutes int               `koanf:"timeout_minutes"`
	MaxAttempts    int               `koanf:"max_attempts"`
	Env            map[string]string `koanf:"env"`
}

// ExclusionConfig removes matrix cells. Empty fields match anything; at
// least one field must be set.
type ExclusionConfig struct {
	Platform string `koanf:"platform"`
	Test     string `koanf:"test"`
	Trigger  string `koanf:"trigger"`
}

// CacheConfig selects where cache snapshots are stored.
type CacheConfig struct {
	Dir     string   `koanf:"dir"`
	Backend string   `koanf:"backend"`
	S3      S3Config `koanf:"s3"`
}

// S3Config configures the S3-compatible blob backend. Credentials are read
// from the named environment variables, never from the file.
type S3Config struct {
	Endpoint     string `koanf:"endpoint"`
	Bucket       string `koanf:"bucket"`
	Region       string `koanf:"region"`
	Prefix       string `koanf:"prefix"`
	AccessKeyEnv string `koanf:"access_key_env"`
	SecretKeyEnv string `koanf:"secret_key_env"`
	UseSSL       bool   `koanf:"use_ssl"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ForgeConfig points at the code-hosting API used for pull requests and
// releases.
type ForgeConfig struct {
	BaseURL  string `koanf:"base_url"`
	Owner    string `koanf:"owner"`
	Repo     string `koanf:"repo"`
	TokenEnv string `koanf:"token_env"`
}

// NotifyConfig configures the chat and commit-status notifications.
type NotifyConfig struct {
	WebhookURL     string `koanf:"webhook_url"`
	ChannelID      string `koanf:"channel_id"`
	StatusContext  string `koanf:"status_context"`
	TargetURL      string `koanf:"target_url"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

// ReleaseConfig configures the prepare and finalize collaborators.
type ReleaseConfig struct {
	Remote            string `koanf:"remote"`
	PrimaryBranch     string `koanf:"primary_branch"`
	ReleaseBranch     string `koanf:"release_branch"`
	TagFormat         string `koanf:"tag_format"`
	PrepareCommand    string `koanf:"prepare_command"`
	PrepareResultFile string `koanf:"prepare_result_file"`
	PublishCommand    string `koanf:"publish_command"`
	AutoMerge         bool   `koanf:"auto_merge"`
	PRTitle           string `koanf:"pr_title"`
}

// DebugConfig configures the remote-access hook offered on failure.
type DebugConfig struct {
	Command               string   `koanf:"command"`
	Maintainers           []string `koanf:"maintainers"`
	SessionTimeoutMinutes int      `koanf:"session_timeout_minutes"`
}

// SupersedeConfig tunes how concurrent runs for the same branch coordinate.
type SupersedeConfig struct {
	PollIntervalSeconds int `koanf:"poll_interval_seconds"`
	WaitTimeoutMinutes  int `koanf:"wait_timeout_minutes"`
}

// PrimaryPlatform returns the platform marked primary, or "" if none is.
func (c *Config) PrimaryPlatform() string {
	for _, p := range c.Platforms {
		if p.Primary {
			return p.Name
		}
	}
	return ""
}
