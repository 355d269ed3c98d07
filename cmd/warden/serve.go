package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/warden/internal/approval"
	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/breaker"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/cron"
	"github.com/basket/warden/internal/dlq"
	"github.com/basket/warden/internal/gateway"
	"github.com/basket/warden/internal/notify"
	otelPkg "github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/outbox"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/reasoning"
	"github.com/basket/warden/internal/task"
	"github.com/basket/warden/internal/telemetry"
	"github.com/basket/warden/internal/tools"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the governance service and operations API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// buildNotifier fans alerts out to the log, the bus and Telegram when
// configured, throttling everything below critical.
func buildNotifier(cfg config.Config, b *bus.Bus, logger *slog.Logger) notify.Notifier {
	sinks := notify.Multi{
		notify.LogNotifier{Logger: telemetry.ComponentLogger(logger, "notify")},
		notify.BusNotifier{Bus: b},
	}
	if cfg.Notify.Telegram.Token != "" && cfg.Notify.Telegram.ChatID != 0 {
		sinks = append(sinks, notify.NewTelegram(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID, logger))
	}
	perMinute := max(cfg.Notify.PerMinute, 1)
	return notify.NewThrottled(sinks, time.Minute/time.Duration(perMinute), perMinute)
}

func buildDecider(cfg config.Config, brk *breaker.Breaker) reasoning.Decider {
	if cfg.Reasoning.Endpoint == "" {
		return reasoning.RuleDecider{}
	}
	return reasoning.Guarded{
		Primary:  reasoning.NewHTTPDecider(cfg.Reasoning.Endpoint, cfg.Reasoning.Token, time.Duration(cfg.Reasoning.TimeoutSeconds)*time.Second),
		Fallback: reasoning.RuleDecider{},
		Breaker:  brk,
	}
}

func runServe(ctx context.Context, opts *globalOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if opts.addr != "" {
		cfg.BindAddr = opts.addr
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint(), "first_run", cfg.FirstRun)

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		fatalStartup(logger, "E_DB_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.DBPath())

	eventBus := bus.New()
	auditLog, err := audit.New(audit.Options{
		Dir:    cfg.HomeDir,
		Store:  store,
		Logger: telemetry.ComponentLogger(logger, "audit"),
		Bus:    eventBus,
	})
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer auditLog.Close()
	notifier := buildNotifier(cfg, eventBus, logger)

	pol, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	risk := policy.NewRiskTable()
	registry := tools.NewRegistry(risk, telemetry.ComponentLogger(logger, "tools"))
	if err := tools.RegisterBuiltins(registry, tools.BuiltinConfig{
		NotesDir:     cfg.Tools.NotesDir,
		ShellEnabled: cfg.Tools.ShellEnabled,
		ShellWorkDir: cfg.Tools.ShellWorkDir,
	}); err != nil {
		fatalStartup(logger, "E_TOOLS_REGISTER", err)
	}
	if err := risk.ReloadOverridesFromFile(cfg.RiskPath()); err != nil {
		fatalStartup(logger, "E_RISK_LOAD", err)
	}

	approvalTimeout := cfg.ApprovalTimeout()
	if _, statErr := os.Stat(cfg.PolicyPath()); statErr == nil {
		approvalTimeout = pol.ApprovalTimeout()
	}
	broker := approval.NewBroker(approval.Config{
		Timeout:  approvalTimeout,
		Notifier: notifier,
		Audit:    auditLog,
		Bus:      eventBus,
		Logger:   telemetry.ComponentLogger(logger, "approval"),
	})
	gate := policy.NewGate(policy.GateConfig{
		Risk:     risk,
		Policy:   policy.NewLivePolicy(pol),
		Approver: broker,
		Audit:    auditLog,
		Logger:   telemetry.ComponentLogger(logger, "policy"),
		Metrics:  metrics,
	})
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion(), "tools", len(registry.List()))

	ob, err := outbox.New(outbox.Config{
		Store:    store,
		Audit:    auditLog,
		Bus:      eventBus,
		Notifier: notifier,
		Logger:   telemetry.ComponentLogger(logger, "outbox"),
		Metrics:  metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_OUTBOX_INIT", err)
	}
	queue, err := dlq.New(dlq.Config{
		Store:      store,
		Notifier:   notifier,
		Audit:      auditLog,
		Bus:        eventBus,
		Logger:     telemetry.ComponentLogger(logger, "dlq"),
		Metrics:    metrics,
		MaxRetries: cfg.Task.MaxRetries,
	})
	if err != nil {
		fatalStartup(logger, "E_DLQ_INIT", err)
	}

	reasoningBreaker := breaker.New(breaker.Config{
		Name:      "reasoning",
		Threshold: cfg.Breaker.Threshold,
		Window:    cfg.Breaker.Window(),
		Cooldown:  cfg.Breaker.Cooldown(),
		Logger:    telemetry.ComponentLogger(logger, "breaker"),
		Notifier:  notifier,
		Audit:     auditLog,
		Bus:       eventBus,
		Store:     store,
		Metrics:   metrics,
	})
	if err := reasoningBreaker.Load(ctx); err != nil {
		logger.Warn("breaker state not restored", "breaker", reasoningBreaker.Name(), "error", err)
	}

	runner, err := task.NewRunner(task.RunnerConfig{
		Gate:        gate,
		Outbox:      ob,
		DLQ:         queue,
		Invoker:     registry,
		Decider:     buildDecider(cfg, reasoningBreaker),
		Audit:       auditLog,
		Logger:      telemetry.ComponentLogger(logger, "task"),
		Metrics:     metrics,
		MaxRetries:  cfg.Task.MaxRetries,
		MaxSteps:    cfg.Task.MaxSteps,
		BackoffBase: cfg.Task.BackoffBase(),
		BackoffMax:  cfg.Task.BackoffMax(),
	})
	if err != nil {
		fatalStartup(logger, "E_RUNNER_INIT", err)
	}
	sched, err := task.NewScheduler(task.SchedulerConfig{
		Runner:        runner,
		Store:         store,
		Audit:         auditLog,
		Bus:           eventBus,
		Logger:        telemetry.ComponentLogger(logger, "scheduler"),
		MaxConcurrent: cfg.Task.SessionConcurrency,
		MaxQueueDepth: cfg.Task.MaxQueueDepth,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	queue.SetResubmitter(sched)

	// Crash recovery: settle tasks and dispatches left behind by a previous
	// process before accepting new work.
	recovered, err := sched.Recover(ctx)
	if err != nil {
		fatalStartup(logger, "E_TASK_RECOVER", err)
	}
	inDoubt, err := ob.Recover(ctx)
	if err != nil {
		fatalStartup(logger, "E_OUTBOX_RECOVER", err)
	}
	logger.Info("startup phase", "phase", "recovered", "tasks", recovered, "outbox_in_doubt", len(inDoubt))

	digest, err := cron.NewScheduler(cron.Config{
		Store:    store,
		Notifier: notifier,
		Logger:   telemetry.ComponentLogger(logger, "digest"),
		Schedule: cfg.Notify.DigestSchedule,
	})
	if err != nil {
		fatalStartup(logger, "E_DIGEST_INIT", err)
	}

	token, err := gateway.LoadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}
	srv := gateway.New(gateway.Config{
		Store:             store,
		Scheduler:         sched,
		DLQ:               queue,
		Outbox:            ob,
		Approvals:         broker,
		Breakers:          []*breaker.Breaker{reasoningBreaker},
		Gate:              gate,
		Audit:             auditLog,
		Bus:               eventBus,
		Logger:            telemetry.ComponentLogger(logger, "gateway"),
		Metrics:           metrics,
		AuthToken:         token,
		RateLimit:         gateway.RateLimitConfig{Enabled: true},
		ConfigFingerprint: cfg.Fingerprint(),
	})

	watcher := config.NewWatcher(cfg.HomeDir, telemetry.ComponentLogger(logger, "config"))
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	}

	auditLog.Record(ctx, audit.Event{
		Category: audit.CategorySystem,
		Action:   "system.start",
		Outcome:  "ok",
		Payload: map[string]any{
			"bind_addr":          cfg.BindAddr,
			"config_fingerprint": cfg.Fingerprint(),
			"policy_version":     pol.PolicyVersion(),
			"recovered_tasks":    recovered,
			"outbox_in_doubt":    len(inDoubt),
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	digest.Start(gctx)
	srv.Limiter().StartEviction(gctx, time.Minute, 10*time.Minute)
	gate.Limiter().StartPruning(gctx, time.Minute)
	g.Go(func() error {
		err := srv.Serve(gctx, cfg.BindAddr)
		if err != nil && isAddrInUse(err) {
			return fmt.Errorf("%w: stop the other process or change bind_addr in config.yaml", err)
		}
		return err
	})
	g.Go(func() error {
		telemetry.RunHeartbeat(gctx, logger, cfg.HeartbeatInterval(), func() []any {
			return []any{
				"running_tasks", sched.Running(),
				"pending_approvals", len(broker.Pending()),
				"breaker", string(reasoningBreaker.State()),
			}
		})
		return nil
	})
	g.Go(func() error {
		reloadLoop(gctx, watcher.Events(), cfg, gate, broker, logger)
		return nil
	})

	<-gctx.Done()
	logger.Info("shutdown started", "drain_timeout", cfg.DrainTimeout().String())
	digest.Stop()
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	if err := sched.Drain(drainCtx); err != nil {
		logger.Warn("drain timed out; running tasks were cancelled", "error", err)
	}
	err = g.Wait()
	auditLog.Record(context.Background(), audit.Event{
		Category: audit.CategorySystem,
		Action:   "system.stop",
		Outcome:  outcomeOf(err),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("service stopped with error", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func outcomeOf(err error) string {
	if err != nil && !errors.Is(err, context.Canceled) {
		return "error"
	}
	return "ok"
}

// reloadLoop applies policy and risk changes as the files are edited. A file
// that fails to parse leaves the previous version active.
func reloadLoop(ctx context.Context, events <-chan config.ReloadEvent, cfg config.Config, gate *policy.Gate, broker *approval.Broker, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Name() {
			case config.PolicyFile:
				p, err := policy.Load(cfg.PolicyPath())
				if err != nil {
					logger.Warn("policy reload rejected; previous policy stays active", "error", err)
					continue
				}
				gate.ApplyPolicy(ctx, p)
				broker.SetTimeout(p.ApprovalTimeout())
				logger.Info("policy reloaded", "policy_version", p.PolicyVersion())
			case config.RiskFile:
				if err := gate.Risk().ReloadOverridesFromFile(cfg.RiskPath()); err != nil {
					logger.Warn("risk reload rejected; previous overrides stay active", "error", err)
					continue
				}
				logger.Info("risk overrides reloaded")
			default:
				logger.Warn("config.yaml changed; restart to apply", "path", ev.Path)
			}
		}
	}
}
