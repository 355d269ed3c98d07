package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/warden/internal/doctor"
	otelPkg "github.com/basket/warden/internal/otel"
)

func newDoctorCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local installation and the running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				// Keep going; the checks show what is wrong.
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			}
			if opts.addr != "" {
				cfg.BindAddr = opts.addr
			}
			diag := doctor.Run(cmd.Context(), &cfg, otelPkg.Version)

			out := cmd.OutOrStdout()
			if opts.json {
				if err := printJSON(out, diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "%s (%s)\n", headerStyle.Render("Warden Doctor Report"), diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					fmt.Fprintf(out, "%s %-12s %s\n", statusBadge(res.Status), res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "     %s\n", dimStyle.Render(res.Detail))
					}
				}
			}
			if diag.Failed() {
				return errors.New("one or more checks failed")
			}
			return nil
		},
	}
}

func statusBadge(status string) string {
	switch status {
	case doctor.StatusPass:
		return okStyle.Render("PASS")
	case doctor.StatusWarn:
		return warnStyle.Render("WARN")
	case doctor.StatusFail:
		return badStyle.Render("FAIL")
	}
	return dimStyle.Render("SKIP")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the warden version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "warden", otelPkg.Version)
		},
	}
}
