package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oktsec/actiongate/internal/audit"
	"github.com/oktsec/actiongate/internal/safefile"
	"github.com/oktsec/actiongate/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newExportCmd(v *viper.Viper) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every stage and audit day as plain files",
		Long: "export writes one folder per stage holding the markdown documents, " +
			"and Logs/YYYY-MM-DD.json holding each day of sanitized audit entries.",
		Example: `  actiongate export --out ./vault`,
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

			docs, days, err := exportVault(cmd.Context(), a.store, a.audit, outDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d documents and %d audit days to %s\n", docs, days, outDir) //nolint:errcheck // CLI output
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "./vault", "output directory")
	return cmd
}

// exportVault writes the stage folders and daily audit files under dir.
// Items and approvals share a stage folder, so their files carry the kind.
func exportVault(ctx context.Context, st *store.Store, as *audit.Store, dir string) (docs, days int, err error) {
	for _, stage := range store.Stages {
		stageDir := filepath.Join(dir, string(stage))
		if err := os.MkdirAll(stageDir, 0o750); err != nil {
			return docs, days, fmt.Errorf("creating %s: %w", stageDir, err)
		}
		for _, kind := range []store.Kind{store.KindItem, store.KindApproval} {
			recs, err := st.List(ctx, kind, stage)
			if err != nil {
				return docs, days, err
			}
			for _, rec := range recs {
				name, err := docName(kind, rec.ID)
				if err != nil {
					return docs, days, err
				}
				if err := safefile.WriteFileAtomic(filepath.Join(stageDir, name), rec.Doc, 0o640); err != nil {
					return docs, days, err
				}
				docs++
			}
		}
	}

	logDir := filepath.Join(dir, "Logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return docs, days, fmt.Errorf("creating %s: %w", logDir, err)
	}
	counts, err := as.Days(ctx)
	if err != nil {
		return docs, days, err
	}
	for _, dc := range counts {
		day, err := time.Parse("2006-01-02", dc.Day)
		if err != nil {
			return docs, days, fmt.Errorf("audit partition %q: %w", dc.Day, err)
		}
		entries, err := as.GetLogsForDate(ctx, day)
		if err != nil {
			return docs, days, err
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return docs, days, fmt.Errorf("encoding %s: %w", dc.Day, err)
		}
		if err := safefile.WriteFileAtomic(filepath.Join(logDir, dc.Day+".json"), append(data, '\n'), 0o640); err != nil {
			return docs, days, err
		}
		days++
	}
	return docs, days, nil
}

func docName(kind store.Kind, id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("record id %q is not a valid file name", id)
	}
	return string(kind) + "-" + id + ".md", nil
}
