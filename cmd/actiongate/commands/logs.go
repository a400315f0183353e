package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/oktsec/actiongate/internal/audit"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newLogsCmd(v *viper.Viper) *cobra.Command {
	var date, status, action, target, since string
	var days, limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the execution audit log",
		Example: `  actiongate logs
  actiongate logs --date 2025-02-03
  actiongate logs --days 7
  actiongate logs --status failed --since 1h
  actiongate logs --action gmail-1-send-reply --json`,
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
			var entries []audit.Entry
			switch {
			case date != "":
				day, perr := time.Parse("2006-01-02", date)
				if perr != nil {
					return fmt.Errorf("invalid date %q: want YYYY-MM-DD", date)
				}
				entries, err = a.audit.GetLogsForDate(ctx, day)
			case days > 0:
				entries, err = a.audit.GetRecentLogs(ctx, days)
			default:
				var sinceTS string
				if since != "" {
					dur, perr := time.ParseDuration(since)
					if perr != nil {
						return fmt.Errorf("invalid duration %q: %w", since, perr)
					}
					sinceTS = audit.FormatTimestamp(time.Now().Add(-dur))
				}
				entries, err = a.audit.Query(ctx, audit.QueryOpts{
					ActionID:     action,
					Status:       status,
					TargetSystem: target,
					Since:        sinceTS,
					Limit:        limit,
				})
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No audit entries found.") //nolint:errcheck // CLI output
				return nil
			}
			renderEntries(out, entries)
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "show one UTC day (YYYY-MM-DD)")
	cmd.Flags().IntVar(&days, "days", 0, "show the last N days, oldest first")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (success, failed, dry_run)")
	cmd.Flags().StringVar(&action, "action", "", "filter by action id")
	cmd.Flags().StringVar(&target, "target", "", "filter by target system")
	cmd.Flags().StringVar(&since, "since", "", "show entries since duration (e.g. 1h, 30m)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	cmd.MarkFlagsMutuallyExclusive("date", "days")
	return cmd
}

func renderEntries(w io.Writer, entries []audit.Entry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Time", "Action", "Tool", "Status", "Executor", "Retries", "Error"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 7, WidthMax: 48},
		{Number: 6, Align: text.AlignRight},
	})
	for _, e := range entries {
		executor := e.Executor
		if e.ExecutorID != "" {
			executor += " (" + e.ExecutorID + ")"
		}
		tw.AppendRow(table.Row{shortTime(e.Timestamp), e.ActionID, e.ToolName, e.ExecutionStatus, executor, e.RetryCount, e.Error})
	}
	tw.Render()
}

// shortTime trims stored timestamps to second precision for display.
func shortTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
