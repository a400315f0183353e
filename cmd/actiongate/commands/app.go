package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oktsec/actiongate/internal/approval"
	"github.com/oktsec/actiongate/internal/audit"
	"github.com/oktsec/actiongate/internal/config"
	"github.com/oktsec/actiongate/internal/executor"
	"github.com/oktsec/actiongate/internal/metrics"
	"github.com/oktsec/actiongate/internal/notify"
	"github.com/oktsec/actiongate/internal/orchestrator"
	"github.com/oktsec/actiongate/internal/policy"
	"github.com/oktsec/actiongate/internal/store"
	"github.com/oktsec/actiongate/internal/triage"
	"github.com/oktsec/actiongate/internal/watcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app holds the components shared by every command.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	audit      *audit.Store
	gate       *approval.Gate
	classifier *policy.Classifier
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	notifier   *notify.Notifier
	ledger     watcher.Ledger
}

func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(cfg.DBPath(), logger)
	if err != nil {
		return nil, err
	}
	as, err := audit.NewStore(cfg.DBPath(), logger, audit.WithPreviewLength(cfg.Audit.PreviewLength))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	n := notify.New(cfg.Webhooks, logger)

	var scanner *policy.Scanner
	if cfg.Policy.ScanDrafts {
		scanner = policy.NewScanner(cfg.Policy.CustomRulesDir)
	}
	classifier := policy.NewClassifier(policy.LoadOrDefault(cfg.Policy.Path, logger), scanner, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		audit:      as,
		gate:       approval.NewGate(st, logger, approval.WithNotifier(n), approval.WithMetrics(m)),
		classifier: classifier,
		registry:   reg,
		metrics:    m,
		notifier:   n,
	}, nil
}

// Close waits for in-flight notifications and closes every store.
func (a *app) Close() error {
	a.notifier.Wait()
	var errs []error
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	errs = append(errs, a.audit.Close(), a.store.Close())
	return errors.Join(errs...)
}

// openLedger opens the configured watcher ledger once per app.
func (a *app) openLedger(ctx context.Context) (watcher.Ledger, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}
	var (
		l   watcher.Ledger
		err error
	)
	switch a.cfg.Watchers.Ledger {
	case "redis":
		l, err = watcher.OpenRedis(ctx, a.cfg.Watchers.RedisURL)
	default:
		l, err = watcher.OpenBadger(a.cfg.LedgerDir(), a.logger)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s ledger: %w", a.cfg.Watchers.Ledger, err)
	}
	a.ledger = l
	return l, nil
}

// newWatcher creates a watcher over source (nil for push-only sources).
func (a *app) newWatcher(ctx context.Context, name, kind string, source watcher.Source) (*watcher.Watcher, error) {
	l, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	return watcher.New(ctx, name, kind, source, a.store, l, a.logger,
		watcher.WithMetrics(a.metrics),
		watcher.WithNotifier(a.notifier),
		watcher.WithInterval(a.cfg.Watchers.PollInterval),
	)
}

func (a *app) executors() (*executor.Registry, error) {
	reg := executor.NewRegistry()
	for _, wc := range a.cfg.Executors.Webhooks {
		wh, err := executor.NewWebhook(wc)
		if err != nil {
			return nil, fmt.Errorf("executor %s: %w", wc.TargetSystem, err)
		}
		reg.Register(wc.TargetSystem, wh)
	}
	return reg, nil
}

func (a *app) orchestrator() (*orchestrator.Orchestrator, error) {
	reg, err := a.executors()
	if err != nil {
		return nil, err
	}
	if len(reg.Targets()) == 0 && !a.cfg.Orchestrator.DryRun {
		a.logger.Warn("no executors configured; approved actions will fail until one is added")
	}
	return orchestrator.New(a.cfg.Orchestrator, a.store, reg, a.audit, a.logger,
		orchestrator.WithNotifier(a.notifier),
		orchestrator.WithMetrics(a.metrics),
	), nil
}

func (a *app) triage() *triage.Triage {
	return triage.New(a.cfg.Triage, a.store, a.gate, a.classifier, a.logger)
}
