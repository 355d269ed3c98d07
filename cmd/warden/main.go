package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/warden/internal/config"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	home  string
	addr  string
	token string
	actor string
	json  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "warden",
		Short: "Execution governance for autonomous agents",
		Long: `warden gates, records and recovers the side effects an agent performs.

Runtime:
  serve      Run the governance service and operations API
  watchdog   Supervise "warden serve" and restart it after crashes

Operations (talk to a running service):
  dlq        List and resolve dead-lettered actions
  breaker    Inspect and reset circuit breakers
  task       Submit, inspect and cancel tasks
  audit      Query the audit trail
  approval   List and answer approval requests
  outbox     Inspect and confirm in-doubt dispatches
  digest     Print the operator digest from the local store

Diagnostics:
  doctor     Check the installation and the running service
  version    Print the version`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.home, "home", "", "warden home directory (default $WARDEN_HOME or ~/.warden)")
	pf.StringVar(&opts.addr, "addr", "", "operations API address (default bind_addr from config.yaml)")
	pf.StringVar(&opts.token, "token", "", "API token (default $WARDEN_AUTH_TOKEN or <home>/auth.token)")
	pf.StringVar(&opts.actor, "actor", "", "operator name recorded in the audit trail (default $USER)")
	pf.BoolVar(&opts.json, "json", false, "print raw JSON instead of tables")

	root.AddCommand(
		newServeCmd(opts),
		newWatchdogCmd(opts),
		newDLQCmd(opts),
		newBreakerCmd(opts),
		newTaskCmd(opts),
		newAuditCmd(opts),
		newApprovalCmd(opts),
		newOutboxCmd(opts),
		newDigestCmd(opts),
		newDoctorCmd(opts),
		newVersionCmd(),
	)
	root.SetErr(os.Stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	return root
}

// loadConfig resolves the home directory from --home before loading.
func (o *globalOptions) loadConfig() (config.Config, error) {
	home := strings.TrimSpace(o.home)
	if home == "" {
		return config.Load()
	}
	return config.LoadFrom(home)
}

func (o *globalOptions) actorName() string {
	if a := strings.TrimSpace(o.actor); a != "" {
		return a
	}
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return u
	}
	return "operator"
}

// usageError marks bad invocations so main exits 2 instead of 1.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	var ue usageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

// fatalStartup logs a structured startup failure with a reason code and
// exits. Before the logger exists the event is written to stderr by hand in
// the same JSON shape.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"warden","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return err != nil && strings.Contains(err.Error(), "address already in use")
}
