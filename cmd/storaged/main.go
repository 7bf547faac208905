package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/storaged/internal/backend"
	"github.com/jbweber/storaged/internal/backend/dirbackend"
	"github.com/jbweber/storaged/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "storaged",
	Short: "Storaged - storage pool and volume management daemon",
	Long: `Storaged manages storage pools and their volumes: directory pools today,
with pool definitions, autostart, and crash recovery handled uniformly
for every pool type.

The run command starts the daemon; the pool and vol commands inspect and
manage storage directly against the same state directories.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	backend.Register(dirbackend.New())

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(volCmd)
}

// loadConfig resolves the effective configuration: the --config file when
// given, otherwise defaults chosen by whether we run as root.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg = config.Default(os.Geteuid() == 0)
	}
	if err != nil {
		return nil, err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)
	return cfg, nil
}
