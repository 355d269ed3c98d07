package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/telemetry"
	"github.com/basket/warden/internal/watchdog"
)

func newWatchdogCmd(opts *globalOptions) *cobra.Command {
	var command string
	cmd := &cobra.Command{
		Use:   "watchdog [-- args...]",
		Short: `Supervise "warden serve", restarting it after crashes`,
		Long: `watchdog runs "warden serve" as a child process and restarts it with
exponential backoff when it crashes or stops emitting heartbeats. Too many
crashes inside the window halt the service with a critical alert. Only one
watchdog may run per home directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				fatalStartup(nil, "E_CONFIG_LOAD", err)
			}
			// The watchdog logs to the file only; stdout carries the child.
			logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
			if err != nil {
				fatalStartup(nil, "E_LOGGER_INIT", err)
			}
			defer closer.Close()
			logger = telemetry.ComponentLogger(logger, "watchdog")

			lock, err := watchdog.AcquireLock(cfg.WatchdogLock())
			if err != nil {
				fatalStartup(logger, "E_WATCHDOG_LOCKED", err)
			}
			defer lock.Release()

			if command == "" {
				if command, err = os.Executable(); err != nil {
					return fmt.Errorf("locate warden binary: %w", err)
				}
			}
			childArgs := []string{"serve"}
			if opts.home != "" {
				childArgs = append(childArgs, "--home", opts.home)
			}
			if opts.addr != "" {
				childArgs = append(childArgs, "--addr", opts.addr)
			}
			childArgs = append(childArgs, args...)

			wcfg := cfg.Watchdog
			heartbeat := time.Duration(wcfg.HeartbeatTimeout) * time.Second
			if wcfg.HeartbeatTimeout < 0 {
				heartbeat = -1
			}
			sup, err := watchdog.New(watchdog.Config{
				Command: command,
				Args:    childArgs,
				// Heartbeats are read from the child's stdout.
				Env:              []string{"WARDEN_QUIET=false", "WARDEN_HOME=" + cfg.HomeDir},
				MaxRestarts:      wcfg.MaxRestarts,
				Window:           time.Duration(wcfg.WindowSeconds) * time.Second,
				BackoffMax:       time.Duration(wcfg.BackoffMaxSecond) * time.Second,
				HeartbeatTimeout: heartbeat,
				KillGrace:        time.Duration(wcfg.KillGraceSeconds) * time.Second,
				TailLines:        wcfg.TailLines,
				Notifier:         buildNotifier(cfg, bus.New(), logger),
				Summarizer:       watchdog.CrashReports(cfg.CrashDir(), 5),
				Logger:           logger,
			})
			if err != nil {
				return err
			}
			logger.Info("watchdog started", "command", command, "args", childArgs, "lock", lock.Path())
			return sup.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "binary to supervise (default: this executable)")
	return cmd
}
