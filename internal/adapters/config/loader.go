// Package config provides the configuration loader for zb.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvConfig      = "ZB_CONFIG"
	EnvRoot        = "ZB_ROOT"
	EnvPrefix      = "ZB_PREFIX"
	EnvConcurrency = "ZB_CONCURRENCY"
	EnvMirrors     = "ZB_BOTTLE_MIRRORS"
	EnvLogJSON     = "ZB_LOG_JSON"
)

// configRelPath is the config file location relative to the XDG config dirs.
const configRelPath = "zb/config.yaml"

// Loader implements ports.ConfigLoader using an optional YAML file plus
// environment overrides.
type Loader struct {
	// LookupEnv reads environment variables.
	LookupEnv func(key string) (string, bool)
	// DataHome is the base directory for the default root.
	DataHome string
	// SearchConfigFile finds the config file in the XDG config dirs.
	SearchConfigFile func(relPath string) (string, error)
}

// NewLoader creates a Loader backed by the process environment and XDG paths.
func NewLoader() *Loader {
	return &Loader{
		LookupEnv:        os.LookupEnv,
		DataHome:         xdg.DataHome,
		SearchConfigFile: xdg.SearchConfigFile,
	}
}

// Load reads the configuration file, if any, applies defaults and
// environment overrides, and validates the result.
func (l *Loader) Load() (*domain.Config, error) {
	var file File
	path, err := l.findConfiguration()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := readAndUnmarshalYAML(path, &file); err != nil {
			return nil, err
		}
	}

	if err := l.applyEnv(&file); err != nil {
		return nil, err
	}

	return l.resolve(&file, path)
}

func (l *Loader) findConfiguration() (string, error) {
	if p, ok := l.LookupEnv(EnvConfig); ok && p != "" {
		return p, nil
	}
	if l.SearchConfigFile == nil {
		return "", nil
	}
	p, err := l.SearchConfigFile(configRelPath)
	if err != nil {
		// No config file is a valid setup.
		return "", nil
	}
	return p, nil
}

func (l *Loader) applyEnv(file *File) error {
	if v, ok := l.LookupEnv(EnvRoot); ok && v != "" {
		file.Root = v
	}
	if v, ok := l.LookupEnv(EnvPrefix); ok && v != "" {
		file.Prefix = v
	}
	if v, ok := l.LookupEnv(EnvConcurrency); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return zerr.With(zerr.Wrap(domain.ErrConfigInvalid, "concurrency is not a number"), EnvConcurrency, v)
		}
		file.Concurrency = n
	}
	if v, ok := l.LookupEnv(EnvMirrors); ok && v != "" {
		file.Mirrors = splitList(v)
	}
	if v, ok := l.LookupEnv(EnvLogJSON); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return zerr.With(zerr.Wrap(domain.ErrConfigInvalid, "log json flag is not a boolean"), EnvLogJSON, v)
		}
		file.Log.JSON = enabled
	}
	return nil
}

func (l *Loader) resolve(file *File, configPath string) (*domain.Config, error) {
	root := file.Root
	if root == "" {
		root = filepath.Join(l.DataHome, "zb")
	}
	root = resolvePath(configPath, root)

	prefix := file.Prefix
	if prefix == "" {
		prefix = filepath.Join(root, "prefix")
	}
	prefix = resolvePath(configPath, prefix)

	cfg := &domain.Config{
		Layout:       domain.Layout{Root: root, Prefix: prefix},
		Concurrency:  file.Concurrency,
		Retries:      domain.DefaultRetries,
		LockTimeout:  domain.DefaultLockTimeout,
		RegistryURL:  strings.TrimSuffix(file.Registry.URL, "/"),
		Mirrors:      file.Mirrors,
		Strategy:     file.Materialize.Strategy,
		BuildCommand: file.Build.Command,
		LogJSON:      file.Log.JSON,
	}

	if cfg.Concurrency == 0 {
		cfg.Concurrency = domain.DefaultConcurrency
	}
	if file.Retries != nil {
		cfg.Retries = *file.Retries
	}
	if file.LockTimeout != "" {
		d, err := time.ParseDuration(file.LockTimeout)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(domain.ErrConfigInvalid, "lock_timeout is not a duration"), "lock_timeout", file.LockTimeout)
		}
		cfg.LockTimeout = d
	}
	if cfg.RegistryURL == "" {
		cfg.RegistryURL = domain.DefaultRegistryURL
	}
	if cfg.Strategy == "" {
		cfg.Strategy = domain.StrategyAuto
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *domain.Config) error {
	switch {
	case cfg.Concurrency < 1:
		return zerr.With(zerr.Wrap(domain.ErrConfigInvalid, "concurrency must be at least 1"), "concurrency", cfg.Concurrency)
	case cfg.Retries < 0:
		return zerr.With(zerr.Wrap(domain.ErrConfigInvalid, "retries must not be negative"), "retries", cfg.Retries)
	case cfg.LockTimeout <= 0:
		return zerr.With(zerr.Wrap(domain.ErrConfigInvalid, "lock_timeout must be positive"), "lock_timeout", cfg.LockTimeout)
	}

	switch cfg.Strategy {
	case domain.StrategyAuto, domain.StrategyClone, domain.StrategyHardlink, domain.StrategyCopy:
	default:
		return zerr.With(zerr.Wrap(domain.ErrConfigInvalid, "unknown materialize strategy"), "strategy", cfg.Strategy)
	}

	if strings.HasPrefix(cfg.Layout.Prefix+string(filepath.Separator), filepath.Join(cfg.Layout.Root, domain.StoreDirName)+string(filepath.Separator)) {
		return zerr.With(zerr.Wrap(domain.ErrConfigInvalid, "prefix must not live inside the store"), "prefix", cfg.Layout.Prefix)
	}
	return nil
}

// resolvePath makes p absolute. Relative paths in a config file are relative
// to the file's directory.
func resolvePath(configPath, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	if configPath != "" {
		return filepath.Join(filepath.Dir(configPath), p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, strings.TrimSuffix(item, "/"))
		}
	}
	return out
}

func readAndUnmarshalYAML[T any](configPath string, target *T) error {
	// #nosec G304 -- configPath comes from the user's environment or XDG dirs
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return zerr.With(zerr.Wrap(domain.ErrConfigReadFailed, "config file does not exist"), "path", configPath)
		}
		return zerr.With(zerr.Wrap(domain.ErrConfigReadFailed, err.Error()), "path", configPath)
	}

	if err := yaml.Unmarshal(data, target); err != nil {
		return zerr.With(zerr.Wrap(domain.ErrConfigParseFailed, err.Error()), "path", configPath)
	}
	return nil
}
