// Package config provides configuration management for isolate using Viper
// for loading from files, environment variables and command-line flags.
//
// The configuration system supports a YAML file (.isolate.yml), environment
// variable overrides with the ISOLATE_ prefix, defaults and validation. It
// covers the host server, the previewed component, watcher timing, action log
// aggregation, refresh synchronization and logging.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Preview PreviewConfig `yaml:"preview" mapstructure:"preview"`
	Watch   WatchConfig   `yaml:"watch" mapstructure:"watch"`
	Actions ActionsConfig `yaml:"actions" mapstructure:"actions"`
	Refresh RefreshConfig `yaml:"refresh" mapstructure:"refresh"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	Host           string   `yaml:"host" mapstructure:"host"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" mapstructure:"allowed_origins"`
}

// PreviewConfig names the project root and, optionally, the component shown
// when the server starts. Props and callbacks are the output of prop-type
// analysis, which happens outside this tool.
type PreviewConfig struct {
	Root      string   `yaml:"root" mapstructure:"root"`
	Component string   `yaml:"component,omitempty" mapstructure:"component"`
	Props     string   `yaml:"props,omitempty" mapstructure:"props"`
	Callbacks []string `yaml:"callbacks,omitempty" mapstructure:"callbacks"`
}

type WatchConfig struct {
	Debounce     time.Duration `yaml:"debounce" mapstructure:"debounce"`
	WriteSpacing time.Duration `yaml:"write_spacing" mapstructure:"write_spacing"`
	Ignore       []string      `yaml:"ignore" mapstructure:"ignore"`
}

type ActionsConfig struct {
	Window  time.Duration `yaml:"window" mapstructure:"window"`
	Display time.Duration `yaml:"display" mapstructure:"display"`
}

type RefreshConfig struct {
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	PollLimit    time.Duration `yaml:"poll_limit" mapstructure:"poll_limit"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 3140,
			Host: "localhost",
		},
		Preview: PreviewConfig{
			Root: ".",
		},
		Watch: WatchConfig{
			Debounce:     50 * time.Millisecond,
			WriteSpacing: 500 * time.Millisecond,
			Ignore:       []string{"node_modules", ".git"},
		},
		Actions: ActionsConfig{
			Window:  time.Second,
			Display: 3 * time.Second,
		},
		Refresh: RefreshConfig{
			Timeout:      10 * time.Second,
			PollInterval: 100 * time.Millisecond,
			PollLimit:    5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every default on v so that env vars and flags can
// override individual keys.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("preview.root", d.Preview.Root)
	v.SetDefault("watch.debounce", d.Watch.Debounce)
	v.SetDefault("watch.write_spacing", d.Watch.WriteSpacing)
	v.SetDefault("watch.ignore", d.Watch.Ignore)
	v.SetDefault("actions.window", d.Actions.Window)
	v.SetDefault("actions.display", d.Actions.Display)
	v.SetDefault("refresh.timeout", d.Refresh.Timeout)
	v.SetDefault("refresh.poll_interval", d.Refresh.PollInterval)
	v.SetDefault("refresh.poll_limit", d.Refresh.PollLimit)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Handle slices set via viper (workaround for viper slice handling)
	if v.IsSet("preview.callbacks") && len(config.Preview.Callbacks) == 0 {
		config.Preview.Callbacks = v.GetStringSlice("preview.callbacks")
	}
	if v.IsSet("server.allowed_origins") && len(config.Server.AllowedOrigins) == 0 {
		config.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// RootDir returns the absolute project root.
func (c *Config) RootDir() (string, error) {
	root := c.Preview.Root
	if root == "" {
		root = "."
	}
	return filepath.Abs(root)
}

// Address returns host:port for the preview server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// validateConfig validates configuration values for correctness
func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if config.Preview.Component != "" && !strings.Contains(config.Preview.Component, ":") {
		return fmt.Errorf("preview config: component %q must look like <file>:<name>", config.Preview.Component)
	}
	if config.Watch.Debounce < 0 || config.Watch.WriteSpacing < 0 {
		return fmt.Errorf("watch config: durations must not be negative")
	}
	if config.Watch.Debounce > 0 && config.Watch.WriteSpacing > 0 &&
		config.Watch.Debounce >= config.Watch.WriteSpacing {
		// Two writes spaced less than the debounce delay would be coalesced.
		return fmt.Errorf("watch config: debounce (%s) must be shorter than write_spacing (%s)",
			config.Watch.Debounce, config.Watch.WriteSpacing)
	}
	if config.Actions.Window <= 0 || config.Actions.Display <= 0 {
		return fmt.Errorf("actions config: window and display must be positive")
	}
	if config.Refresh.Timeout <= 0 || config.Refresh.PollInterval <= 0 || config.Refresh.PollLimit <= 0 {
		return fmt.Errorf("refresh config: timeout, poll_interval and poll_limit must be positive")
	}
	switch config.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log config: unsupported format %q", config.Log.Format)
	}

	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Allow 0 for system-assigned ports in testing
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				return fmt.Errorf("host contains dangerous character: %s", char)
			}
		}
	}

	return nil
}
