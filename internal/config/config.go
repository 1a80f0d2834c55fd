package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scottbass3/ghcr-cleaner/internal/registry"
	"github.com/scottbass3/ghcr-cleaner/internal/retention"
)

// EnvPrefix matches the variables GitHub Actions exports for action inputs.
const EnvPrefix = "INPUT"

const (
	InspectorRegistry = "registry"
	InspectorDocker   = "docker"
	InspectorNone     = "none"
)

// maxOlder is the largest age threshold, in seconds, a time.Duration can hold.
const maxOlder = math.MaxInt64 / int64(time.Second)

// ErrInvalid marks every configuration problem; callers map it to a usage exit code.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Token                       string        `mapstructure:"token"`
	Repository                  string        `mapstructure:"repository"`
	RepositoryOwner             string        `mapstructure:"repository_owner"`
	PackageName                 string        `mapstructure:"package_name"`
	UntaggedOnly                bool          `mapstructure:"untagged_only"`
	ExceptUntaggedMultiplatform bool          `mapstructure:"except_untagged_multiplatform"`
	OwnerType                   string        `mapstructure:"owner_type"`
	Older                       int64         `mapstructure:"older"`
	DryRun                      bool          `mapstructure:"dry_run"`
	Concurrency                 int           `mapstructure:"concurrency"`
	DeleteConcurrency           int           `mapstructure:"delete_concurrency"`
	InspectConcurrency          int           `mapstructure:"inspect_concurrency"`
	MaxAttempts                 int           `mapstructure:"max_attempts"`
	RequestsPerSecond           float64       `mapstructure:"requests_per_second"`
	Timeout                     time.Duration `mapstructure:"timeout"`
	ManifestInspector           string        `mapstructure:"manifest_inspector"`
	APIURL                      string        `mapstructure:"api_url"`
	RegistryURL                 string        `mapstructure:"registry_url"`
	LogLevel                    string        `mapstructure:"log_level"`
	LogFormat                   string        `mapstructure:"log_format"`
	Progress                    bool          `mapstructure:"progress"`
	Trace                       string        `mapstructure:"trace"`

	// Packages is PackageName split on commas; filled by Normalize.
	Packages []string `mapstructure:"-"`
}

func Defaults() Config {
	return Config{
		UntaggedOnly:       true,
		Concurrency:        3,
		DeleteConcurrency:  4,
		InspectConcurrency: 4,
		MaxAttempts:        5,
		ManifestInspector:  InspectorRegistry,
		APIURL:             registry.DefaultAPIURL,
		RegistryURL:        registry.DefaultRegistryURL,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

var boolKeys = []string{"untagged_only", "except_untagged_multiplatform", "dry_run", "progress"}

// SetDefaults registers every key so environment variables are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("token", d.Token)
	v.SetDefault("repository", d.Repository)
	v.SetDefault("repository_owner", d.RepositoryOwner)
	v.SetDefault("package_name", d.PackageName)
	v.SetDefault("untagged_only", d.UntaggedOnly)
	v.SetDefault("except_untagged_multiplatform", d.ExceptUntaggedMultiplatform)
	v.SetDefault("owner_type", d.OwnerType)
	v.SetDefault("older", d.Older)
	v.SetDefault("dry_run", d.DryRun)
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("delete_concurrency", d.DeleteConcurrency)
	v.SetDefault("inspect_concurrency", d.InspectConcurrency)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("requests_per_second", d.RequestsPerSecond)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("manifest_inspector", d.ManifestInspector)
	v.SetDefault("api_url", d.APIURL)
	v.SetDefault("registry_url", d.RegistryURL)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("progress", d.Progress)
	v.SetDefault("trace", d.Trace)
}

// BindEnv makes v read INPUT_<KEY> variables, and GITHUB_TOKEN as a token fallback.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v.BindEnv("token", EnvPrefix+"_TOKEN", "GITHUB_TOKEN")
}

func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ghcr-cleaner", "config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".config", "ghcr-cleaner", "config.yaml")
	}
	return "config.yaml"
}

// ReadFile loads path into v. A missing file at the default location is not an error;
// an explicitly requested one is.
func ReadFile(v *viper.Viper, path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath()
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read config file %s: %v", ErrInvalid, path, err)
	}
	return nil
}

// Load unmarshals v, normalises and validates the result.
func Load(v *viper.Viper) (Config, error) {
	for _, key := range boolKeys {
		raw := strings.TrimSpace(v.GetString(key))
		if raw == "" {
			v.Set(key, false)
			continue
		}
		parsed, err := ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		v.Set(key, parsed)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseBool accepts the spellings action users tend to write.
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "true", "t", "y", "1", "on":
		return true, nil
	case "no", "false", "f", "n", "0", "off":
		return false, nil
	default:
		return false, fmt.Errorf("boolean value expected, got %q", value)
	}
}

// Normalize trims and lower-cases names and resolves an owner/name repository.
func (c *Config) Normalize() error {
	c.Token = strings.TrimSpace(c.Token)
	c.RepositoryOwner = strings.ToLower(strings.TrimSpace(c.RepositoryOwner))
	c.Repository = strings.ToLower(strings.Trim(strings.TrimSpace(c.Repository), "/"))
	c.OwnerType = strings.ToLower(strings.TrimSpace(c.OwnerType))
	c.ManifestInspector = strings.ToLower(strings.TrimSpace(c.ManifestInspector))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.Trace = strings.ToLower(strings.TrimSpace(c.Trace))
	c.APIURL = strings.TrimSpace(c.APIURL)
	c.RegistryURL = strings.TrimSpace(c.RegistryURL)

	if owner, name, ok := strings.Cut(c.Repository, "/"); ok {
		if strings.Contains(name, "/") {
			return fmt.Errorf("%w: repository %q must be name or owner/name", ErrInvalid, c.Repository)
		}
		if c.RepositoryOwner == "" {
			c.RepositoryOwner = owner
		}
		if owner != c.RepositoryOwner {
			return fmt.Errorf("%w: mismatch in repository %q and repository_owner %q", ErrInvalid, c.Repository, c.RepositoryOwner)
		}
		c.Repository = name
	}

	c.Packages = nil
	seen := map[string]struct{}{}
	for _, name := range strings.Split(c.PackageName, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		c.Packages = append(c.Packages, name)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, errors.New("token is required (set --token, INPUT_TOKEN or GITHUB_TOKEN)"))
	}
	if c.RepositoryOwner == "" {
		errs = append(errs, errors.New("repository_owner is required"))
	}
	if c.OwnerType == "" {
		errs = append(errs, errors.New("owner_type is required"))
	} else if _, err := registry.ParseOwnerType(c.OwnerType); err != nil {
		errs = append(errs, err)
	}
	if c.Older < 0 || c.Older > maxOlder {
		errs = append(errs, fmt.Errorf("older must be between 0 and %d seconds, got %d", maxOlder, c.Older))
	}
	if c.Concurrency < 1 || c.DeleteConcurrency < 1 || c.InspectConcurrency < 1 {
		errs = append(errs, errors.New("concurrency settings must be >= 1"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests_per_second must be >= 0, got %g", c.RequestsPerSecond))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must be >= 0, got %s", c.Timeout))
	}
	switch c.ManifestInspector {
	case InspectorRegistry, InspectorDocker, InspectorNone:
	default:
		errs = append(errs, fmt.Errorf("manifest_inspector must be registry, docker or none, got %q", c.ManifestInspector))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	switch c.Trace {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("trace must be stdout or empty, got %q", c.Trace))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func (c Config) Scope() registry.Scope {
	ownerType, _ := registry.ParseOwnerType(c.OwnerType)
	return registry.Scope{Owner: c.RepositoryOwner, OwnerType: ownerType}
}

func (c Config) Filter() retention.Filter {
	return retention.Filter{
		UntaggedOnly:                c.UntaggedOnly,
		ExceptUntaggedMultiplatform: c.ExceptUntaggedMultiplatform,
		OlderThan:                   time.Duration(c.Older) * time.Second,
		Packages:                    append([]string(nil), c.Packages...),
	}
}

func (c Config) RetryPolicy() registry.RetryPolicy {
	policy := registry.DefaultRetryPolicy()
	policy.MaxAttempts = c.MaxAttempts
	policy.Limiter = registry.NewLimiter(c.RequestsPerSecond)
	return policy
}
