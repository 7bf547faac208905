package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/storaged/internal/driver"
	"github.com/jbweber/storaged/internal/event"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the storage daemon",
	Long: `Run the storage daemon in the foreground.

On startup, state from a previous run is recovered, defined pools are
loaded, and autostart pools are started. SIGHUP reloads pool definitions;
SIGINT or SIGTERM shuts down. Pools stay active across a shutdown and are
recovered on the next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		d, err := driver.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize storage driver: %w", err)
		}

		d.RegisterLifecycleHandler(func(ev event.Lifecycle) {
			logrus.WithFields(logrus.Fields{
				"pool":  ev.Pool,
				"uuid":  ev.UUID,
				"event": ev.Event,
			}).Info("pool lifecycle event")
		})

		d.AutostartAll(ctx)
		logrus.WithFields(logrus.Fields{
			"config_dir": cfg.ConfigDir,
			"state_dir":  cfg.StateDir,
		}).Info("storage daemon ready")

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

		for sig := range signals {
			if sig == syscall.SIGHUP {
				logrus.Info("reloading pool definitions")
				if err := d.Reload(ctx); err != nil {
					logrus.WithError(err).Error("reload failed")
				}
				continue
			}

			logrus.WithField("signal", sig).Info("shutting down")
			d.Cleanup()
			return nil
		}
		return nil
	},
}
