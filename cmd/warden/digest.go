package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/cron"
	"github.com/basket/warden/internal/notify"
	"github.com/basket/warden/internal/persistence"
)

// newDigestCmd reads the local store directly, so it works while the
// service is down.
func newDigestCmd(opts *globalOptions) *cobra.Command {
	var send bool
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print what is waiting on an operator (pending DLQ entries, in-doubt dispatches)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, err := persistence.Open(cfg.DBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			var notifier notify.Notifier = notify.Discard
			if send {
				notifier = buildNotifier(cfg, bus.New(), slog.Default())
			}
			sched, err := cron.NewScheduler(cron.Config{
				Store:    store,
				Notifier: notifier,
				Schedule: cfg.Notify.DigestSchedule,
			})
			if err != nil {
				return err
			}
			var d cron.Digest
			if send {
				d, err = sched.Fire(cmd.Context())
			} else {
				d, err = sched.Collect(cmd.Context())
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, d)
			}
			if d.Empty() {
				fmt.Fprintln(out, "Nothing is waiting on an operator.")
			} else {
				fmt.Fprintln(out, d.Message().Text)
			}
			if next, err := sched.NextRun(cmd.Context()); err == nil {
				fmt.Fprintf(out, "\n%s %s\n", dimStyle.Render("next scheduled digest:"), next.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&send, "send", false, "also deliver the digest through the configured notifiers")
	return cmd
}
