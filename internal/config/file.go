package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up in the working directory when no --config
// flag or ISOLATE_CONFIG_FILE is given.
const DefaultFileName = ".isolate.yml"

// durations are written in their human form ("500ms") rather than as
// nanosecond integers.
type fileView struct {
	Server  ServerConfig  `yaml:"server"`
	Preview PreviewConfig `yaml:"preview"`
	Watch   struct {
		Debounce     string   `yaml:"debounce"`
		WriteSpacing string   `yaml:"write_spacing"`
		Ignore       []string `yaml:"ignore"`
	} `yaml:"watch"`
	Actions struct {
		Window  string `yaml:"window"`
		Display string `yaml:"display"`
	} `yaml:"actions"`
	Refresh struct {
		Timeout      string `yaml:"timeout"`
		PollInterval string `yaml:"poll_interval"`
		PollLimit    string `yaml:"poll_limit"`
	} `yaml:"refresh"`
	Log LogConfig `yaml:"log"`
}

// Marshal renders cfg as YAML suitable for .isolate.yml.
func Marshal(cfg *Config) ([]byte, error) {
	var view fileView
	view.Server = cfg.Server
	view.Preview = cfg.Preview
	view.Watch.Debounce = cfg.Watch.Debounce.String()
	view.Watch.WriteSpacing = cfg.Watch.WriteSpacing.String()
	view.Watch.Ignore = cfg.Watch.Ignore
	view.Actions.Window = cfg.Actions.Window.String()
	view.Actions.Display = cfg.Actions.Display.String()
	view.Refresh.Timeout = cfg.Refresh.Timeout.String()
	view.Refresh.PollInterval = cfg.Refresh.PollInterval.String()
	view.Refresh.PollLimit = cfg.Refresh.PollLimit.String()
	view.Log = cfg.Log

	return yaml.Marshal(&view)
}

// WriteDefault writes the default configuration to path. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	data, err := Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
