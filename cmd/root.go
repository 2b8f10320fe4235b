// Package cmd provides the command-line interface for isolate.
//
// Configuration is read, highest priority first, from command-line flags,
// ISOLATE_<SECTION>_<OPTION> environment variables and the configuration
// file. The file is the one named by --config, else ISOLATE_CONFIG_FILE,
// else .isolate.yml in the working directory.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/conneroisu/isolate/internal/config"
	"github.com/conneroisu/isolate/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "isolate",
	Short: "Preview a single UI component in an isolated sandbox",
	Long: `isolate renders one component of your project inside a sandboxed realm,
rebuilds it as files change and records every interaction the component makes.

Quick Start:
  isolate init                              Write a default .isolate.yml
  isolate serve --component src/App.gohtml:App
  isolate sandbox --url ws://localhost:3140/ws
  isolate config                            Print the effective configuration`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .isolate.yml, can also use ISOLATE_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("ISOLATE_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(strings.TrimSuffix(config.DefaultFileName, ".yml"))
	}

	viper.SetEnvPrefix("ISOLATE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *config.Config, out io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Log.Format,
		Output: out,
	}), nil
}
