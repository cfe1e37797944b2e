package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/AndreyAkinshin/shipyard/internal/schema"
)

// EnvPrefix prefixes environment variables that override pipeline settings.
// Nested keys use a double underscore: SHIPYARD_CACHE__BACKEND=s3.
const EnvPrefix = "SHIPYARD_"

// FileNames are the pipeline file names searched for, in order.
var FileNames = []string{"shipyard.yaml", "shipyard.yml"}

// maxUpwardSearchLevels limits how far up the directory tree to search for a pipeline file.
const maxUpwardSearchLevels = 10

// flagKeys maps CLI flag names to configuration keys. Flags not listed here
// are not configuration.
var flagKeys = map[string]string{
	"state":      "state_path",
	"cache-dir":  "cache.dir",
	"log-level":  "log.level",
	"log-format": "log.format",
}

// FindFile returns the pipeline file to use. An explicit path wins;
// otherwise the search walks upward from startDir.
func FindFile(explicit, startDir string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("pipeline file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	dir := startDir
	for i := 0; i < maxUpwardSearchLevels; i++ {
		for _, name := range FileNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("no %s found in %s or its parents", FileNames[0], startDir)
}

// Load reads a pipeline file and layers configuration.
// Precedence (highest to lowest): flags > env vars > pipeline file > defaults.
// Only flags that were explicitly set take part.
func Load(path string, flags *pflag.FlagSet) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	if err := schema.ValidatePipelineYAML(data); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	warnings := detectUnknownFields(data)

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultValues(), "."), nil); err != nil {
		return nil, nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, nil, fmt.Errorf("error reading pipeline file %s: %w", path, err)
	}

	// SHIPYARD_CACHE__DIR -> cache.dir
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, nil, fmt.Errorf("unable to decode pipeline file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	cfg.File = abs
	cfg.ProjectRoot = filepath.Dir(abs)

	applyDefaults(&cfg)
	resolvePaths(&cfg)

	validationWarnings, err := Validate(&cfg)
	warnings = append(warnings, validationWarnings...)
	if err != nil {
		return nil, warnings, err
	}

	return &cfg, warnings, nil
}

// envKey maps an environment variable to a configuration key. Sections are
// only reachable through nested names such as SHIPYARD_CACHE__DIR and list
// sections not at all. Run variables like SHIPYARD_DEBUG and
// SHIPYARD_DRY_RUN are exported to child processes under the same prefix
// and map to nothing.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	top, rest, nested := strings.Cut(key, ".")
	kind, ok := knownTopLevel()[top]
	if !ok {
		return ""
	}
	switch kind {
	case reflect.Slice, reflect.Map:
		return ""
	case reflect.Struct:
		if !nested || rest == "" {
			return ""
		}
	default:
		if nested {
			return ""
		}
	}
	return key
}
