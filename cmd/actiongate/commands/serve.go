package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oktsec/actiongate/internal/config"
	"github.com/oktsec/actiongate/internal/policy"
	"github.com/oktsec/actiongate/internal/server"
	"github.com/oktsec/actiongate/internal/telemetry"
	"github.com/oktsec/actiongate/internal/watcher"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const expiryCheckInterval = 15 * time.Minute

func newServeCmd(v *viper.Viper) *cobra.Command {
	var port int
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, watchers, triage and orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			logger := newLogger(cfg.LogLevel)

			// Graceful shutdown on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.Tracing, os.Stderr, version)
			if err != nil {
				return err
			}
			defer func() { _ = shutdownTracing(context.Background()) }()

			a, err := openApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // best-effort cleanup

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			intake, err := a.newWatcher(ctx, "api", "api", nil)
			if err != nil {
				return err
			}
			dropWorkers, err := dropFolderWorkers(ctx, a)
			if err != nil {
				return err
			}

			srv := server.New(cfg.Server, server.Deps{
				Store:      a.store,
				Gate:       a.gate,
				Audit:      a.audit,
				Classifier: a.classifier,
				Intake:     intake,
				Gatherer:   a.registry,
				Version:    version,
			}, logger)
			if err := srv.Listen(); err != nil {
				return err
			}
			cfg.Server.Port = srv.Port()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(srv.Start)
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return orch.Run(gctx) })
			g.Go(func() error { return a.triage().Run(gctx) })
			g.Go(func() error {
				if err := policy.NewReloader(cfg.Policy.Path, a.classifier, logger).Run(gctx); err != nil {
					logger.Warn("handbook hot reload disabled", "error", err)
				}
				return nil
			})

			for _, run := range dropWorkers {
				g.Go(func() error { return run(gctx) })
			}

			if cfg.Approval.ExpiryHours > 0 {
				maxAge := time.Duration(cfg.Approval.ExpiryHours) * time.Hour
				g.Go(func() error { return expireLoop(gctx, a, maxAge) })
			}

			printBanner(cfg)
			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1)")
	return cmd
}

// dropFolderWorkers builds the "files" watcher over the drop folder and
// returns its loops, or none when the drop folder is disabled.
func dropFolderWorkers(ctx context.Context, a *app) ([]func(context.Context) error, error) {
	dc := a.cfg.Watchers.DropFolder
	if !dc.Enabled {
		return nil, nil
	}
	df, err := watcher.NewDropFolder(dc.Path, dc.MaxFileBytes, a.logger)
	if err != nil {
		return nil, err
	}
	w, err := a.newWatcher(ctx, "files", watcher.DropFolderKind, df)
	if err != nil {
		return nil, err
	}
	return []func(context.Context) error{df.Watch, w.Run}, nil
}

// expireLoop rejects stale pending requests until ctx is cancelled.
func expireLoop(ctx context.Context, a *app, maxAge time.Duration) error {
	ticker := time.NewTicker(expiryCheckInterval)
	defer ticker.Stop()
	for {
		n, err := a.gate.ExpirePending(ctx, maxAge)
		if err != nil {
			a.logger.Error("expiring pending approvals failed", "error", err)
		} else if n > 0 {
			a.logger.Info("expired pending approvals", "count", n, "max_age", maxAge)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printBanner(cfg *config.Config) {
	bindAddr := cfg.Server.Bind
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	mode := "live"
	if cfg.Orchestrator.DryRun {
		mode = "dry-run"
	}

	fmt.Println()
	fmt.Println("  actiongate")
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  API:        http://%s:%d/v1/approvals\n", bindAddr, cfg.Server.Port)
	fmt.Printf("  Metrics:    http://%s:%d/metrics\n", bindAddr, cfg.Server.Port)
	fmt.Printf("  Health:     http://%s:%d/health\n", bindAddr, cfg.Server.Port)
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  Data:       %s\n", cfg.DataDir)
	fmt.Printf("  Handbook:   %s\n", cfg.Policy.Path)
	if cfg.Watchers.DropFolder.Enabled {
		fmt.Printf("  Drop:       %s\n", cfg.Watchers.DropFolder.Path)
	}
	fmt.Printf("  Mode: %s  |  Executors: %d  |  Routes: %d\n", mode, len(cfg.Executors.Webhooks), len(cfg.Triage.Routes))
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop.")
	fmt.Println()
}
