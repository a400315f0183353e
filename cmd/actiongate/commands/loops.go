package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/oktsec/actiongate/internal/watcher"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func newOrchestrateCmd(v *viper.Viper) *cobra.Command {
	var once, dryRun bool

	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Execute approved actions",
		Example: `  actiongate orchestrate --once
  actiongate orchestrate --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if dryRun {
				cfg.Orchestrator.DryRun = true
			}
			a, err := openApp(cfg, newLogger(cfg.LogLevel))
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // best-effort cleanup

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if !once {
				return orch.Run(ctx)
			}

			outcomes, err := orch.ScanOnce(ctx)
			if err != nil {
				return err
			}
			if len(outcomes) == 0 {
				fmt.Println("No approved actions.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ACTION\tSTAGE\tSTATUS\tATTEMPTS\tRESULT\n") //nolint:errcheck // CLI output
			for _, o := range outcomes {
				result := o.ResultID
				if o.Error != "" {
					result = o.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", o.ActionID, o.Stage, o.Status, o.Attempts, result) //nolint:errcheck // CLI output
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "process the Approved stage once and exit")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "audit what would run without calling executors")
	return cmd
}

func newTriageCmd(v *viper.Viper) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Turn new action items into approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			a, err := openApp(cfg, newLogger(cfg.LogLevel))
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // best-effort cleanup

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			t := a.triage()
			if !once {
				return t.Run(ctx)
			}

			results, err := t.ScanOnce(ctx)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No pending action items.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ITEM\tOUTCOME\tACTION\tRISK\tERROR\n") //nolint:errcheck // CLI output
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ItemID, r.Outcome, dash(r.ActionID), dash(string(r.Risk)), r.Error) //nolint:errcheck // CLI output
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "process Needs_Action once and exit")
	return cmd
}

func newWatchCmd(v *viper.Viper) *cobra.Command {
	var dir string
	var once bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Turn files dropped into a directory into action items",
		Example: `  actiongate watch --dir ./inbox
  actiongate watch --dir ./inbox --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Watchers.DropFolder.Path
			}
			if dir == "" {
				return fmt.Errorf("no drop folder: pass --dir or set watchers.drop_folder.path")
			}
			logger := newLogger(cfg.LogLevel)
			a, err := openApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // best-effort cleanup

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			df, err := watcher.NewDropFolder(dir, cfg.Watchers.DropFolder.MaxFileBytes, logger)
			if err != nil {
				return err
			}
			w, err := a.newWatcher(ctx, "files", watcher.DropFolderKind, df)
			if err != nil {
				return err
			}
			if once {
				n, err := w.Check(ctx)
				fmt.Printf("Created %d action item(s) from %s (%s)\n", n, dir, w.State().Health)
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return df.Watch(gctx) })
			g.Go(func() error { return w.Run(gctx) })
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory to watch (default: watchers.drop_folder.path)")
	cmd.Flags().BoolVar(&once, "once", false, "check the folder once and exit")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
