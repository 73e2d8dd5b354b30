package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/fdm2-org/fdm/pkg/types"
)

// LocalConfigFile is the project-local developer config filename.
const LocalConfigFile = "fdm.local.toml"

// DefaultRegistry is the upstream registry mirrored when none is configured.
const DefaultRegistry = "https://github.com/fdm2-org/fdm-registry"

// EnvPrefix prefixes environment variables read as developer config, e.g.
// FDM_REGISTRY or FDM_JOBS.
const EnvPrefix = "FDM"

// Developer config keys, shared by the config files, FDM_* variables and the
// command line flags of the same name.
const (
	KeyRegistry = "registry"
	KeyOffline  = "offline"
	KeyLocal    = "local"
	KeyOS       = "os"
	KeyArch     = "arch"
	KeyJobs     = "jobs"
	KeyVerbose  = "verbose"
)

// DevConfig holds developer-specific configuration that is NOT committed
// to version control. It is resolved with Viper precedence:
// CLI flags > FDM_* environment > fdm.local.toml > ~/.fdm/config.toml.
type DevConfig struct {
	// Registry is the URL of the upstream registry repository.
	Registry string `toml:"registry,omitempty" mapstructure:"registry"`
	// Offline uses the registry at Local instead of cloning Registry.
	Offline bool   `toml:"offline,omitempty" mapstructure:"offline"`
	Local   string `toml:"local,omitempty" mapstructure:"local"`
	// OS and Arch override the host platform for cross-compiling.
	OS      string `toml:"os,omitempty" mapstructure:"os"`
	Arch    string `toml:"arch,omitempty" mapstructure:"arch"`
	Jobs    int    `toml:"jobs,omitempty" mapstructure:"jobs"`
	Verbose bool   `toml:"verbose,omitempty" mapstructure:"verbose"`
}

// LoadDevConfig resolves developer configuration using Viper's merge
// semantics. projectDir is the project root holding fdm.local.toml, or the
// working directory outside a project. flags holds only the command line
// flags the user actually set; they take highest precedence.
func LoadDevConfig(projectDir string, flags map[string]any) (*DevConfig, error) {
	dir, err := GlobalConfigDir()
	if err != nil {
		return nil, err
	}
	return loadDevConfig(flags, filepath.Join(dir, "config.toml"), filepath.Join(projectDir, LocalConfigFile))
}

// loadDevConfig is the internal implementation that accepts explicit paths,
// making it testable without touching the real home directory.
func loadDevConfig(flags map[string]any, globalPath, localPath string) (*DevConfig, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Defaults register every key so that AutomaticEnv can see them during
	// Unmarshal.
	v.SetDefault(KeyRegistry, DefaultRegistry)
	v.SetDefault(KeyOffline, false)
	v.SetDefault(KeyLocal, "")
	v.SetDefault(KeyOS, "")
	v.SetDefault(KeyArch, "")
	v.SetDefault(KeyJobs, 0)
	v.SetDefault(KeyVerbose, false)

	// Lowest priority: global config
	if _, err := os.Stat(globalPath); err == nil {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", globalPath, err)
		}
	}

	// Higher priority: project-local config
	if _, err := os.Stat(localPath); err == nil {
		v.SetConfigFile(localPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", localPath, err)
		}
	}

	// Above both files: FDM_* variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Highest priority: CLI flags
	for key, value := range flags {
		v.Set(key, value)
	}

	cfg := &DevConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling dev config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations that cannot be acted on.
func (c *DevConfig) Validate() error {
	if c.Offline && strings.TrimSpace(c.Local) == "" {
		return errors.New("offline mode requires a local registry path (--local)")
	}
	if c.Jobs < 0 {
		return fmt.Errorf("jobs must not be negative, got %d", c.Jobs)
	}
	if _, err := c.Platform(); err != nil {
		return err
	}
	return nil
}

// Platform returns the platform artifacts are fetched for: the OS/Arch
// override when given, the host otherwise. Arch alone may also name a
// registry platform such as "linux-x64".
func (c *DevConfig) Platform() (types.PlatformArch, error) {
	if c.OS == "" && c.Arch != "" {
		if p, err := types.ParsePlatformArch(c.Arch); err == nil {
			return p, nil
		}
	}
	return types.FromOSArch(c.OS, c.Arch)
}

// RegistryLocation returns where the registry mirror is cloned from.
func (c *DevConfig) RegistryLocation() string {
	if c.Offline {
		return c.Local
	}
	return c.Registry
}

// GlobalConfigDir returns the path to ~/.fdm, creating it if necessary.
func GlobalConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	dir := filepath.Join(home, ".fdm")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}

// WriteLocalDevConfig persists developer config to fdm.local.toml in the
// given project directory.
func WriteLocalDevConfig(projectDir string, cfg *DevConfig) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling dev config: %w", err)
	}

	path := filepath.Join(projectDir, LocalConfigFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}
