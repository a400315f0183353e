package commands

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/oktsec/actiongate/internal/audit"
	"github.com/oktsec/actiongate/internal/store"
	"github.com/oktsec/actiongate/internal/watcher"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const rule = "  ────────────────────────────────────────"

// watcherSources are the sources the CLI and server register.
var watcherSources = []string{"api", "files", "cli"}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline stages, watcher health and recent executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			a, err := openApp(cfg, newLogger("error"))
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // best-effort cleanup

			ctx := cmd.Context()
			items, err := a.store.Counts(ctx, store.KindItem)
			if err != nil {
				return err
			}
			approvals, err := a.store.Counts(ctx, store.KindApproval)
			if err != nil {
				return err
			}
			recent, err := a.audit.Query(ctx, audit.QueryOpts{Limit: 5})
			if err != nil {
				return err
			}

			var states []watcher.State
			if ledger, err := a.openLedger(ctx); err != nil {
				a.logger.Warn("watcher ledger unavailable", "error", err)
			} else {
				for _, src := range watcherSources {
					st, err := ledger.LoadState(ctx, src)
					if err != nil || st.LastCheck.IsZero() {
						continue
					}
					states = append(states, *st)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n  actiongate status\n%s\n", rule) //nolint:errcheck // CLI output

			fmt.Fprintf(out, "  Config:        %s\n", v.GetString("config"))          //nolint:errcheck // CLI output
			fmt.Fprintf(out, "  Data:          %s\n", cfg.DataDir)                    //nolint:errcheck // CLI output
			fmt.Fprintf(out, "  Handbook:      %s\n", a.classifier.Boundary().Source) //nolint:errcheck // CLI output
			printStages(out, items, approvals)
			printWatchers(out, states)
			printRecent(out, recent)
			fmt.Fprintln(out) //nolint:errcheck // CLI output
			return nil
		},
	}
}

func printStages(w io.Writer, items, approvals map[store.Stage]int) {
	fmt.Fprintln(w, rule)                                                 //nolint:errcheck // CLI output
	fmt.Fprintf(w, "  %-18s %6s %10s\n", "STAGE", "ITEMS", "APPROVALS") //nolint:errcheck // CLI output
	for _, st := range store.Stages {
		line := fmt.Sprintf("  %-18s %6d %10d", st, items[st], approvals[st])
		switch {
		case st == store.PendingApproval && approvals[st] > 0:
			line = color.YellowString(line)
		case st == store.Failed && (items[st] > 0 || approvals[st] > 0):
			line = color.RedString(line)
		}
		fmt.Fprintln(w, line) //nolint:errcheck // CLI output
	}
}

func printWatchers(w io.Writer, states []watcher.State) {
	fmt.Fprintln(w, rule) //nolint:errcheck // CLI output
	if len(states) == 0 {
		fmt.Fprintln(w, "  Watchers:      none have run yet") //nolint:errcheck // CLI output
		return
	}
	fmt.Fprintln(w, "  Watchers:") //nolint:errcheck // CLI output
	for _, st := range states {
		line := fmt.Sprintf("    %-8s %s", st.Source, healthLabel(st.Health))
		if st.ConsecutiveFailures > 0 {
			line += fmt.Sprintf(" (%d consecutive failures: %s)", st.ConsecutiveFailures, st.LastError)
		}
		fmt.Fprintln(w, line) //nolint:errcheck // CLI output
	}
}

func healthLabel(h watcher.Health) string {
	switch h {
	case watcher.HealthHealthy:
		return color.GreenString(string(h))
	case watcher.HealthDegraded:
		return color.YellowString(string(h))
	default:
		return color.RedString(string(h))
	}
}

func printRecent(w io.Writer, entries []audit.Entry) {
	fmt.Fprintln(w, rule) //nolint:errcheck // CLI output
	if len(entries) == 0 {
		fmt.Fprintln(w, "  Executions:    none recorded") //nolint:errcheck // CLI output
		return
	}
	fmt.Fprintln(w, "  Recent executions:") //nolint:errcheck // CLI output
	for _, e := range entries {
		status := e.ExecutionStatus
		if status == audit.StatusFailed {
			status = color.RedString(status)
		}
		fmt.Fprintf(w, "    %s  %-28s %s\n", shortTime(e.Timestamp), e.ActionID, status) //nolint:errcheck // CLI output
	}
}
