package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/oktsec/actiongate/internal/safefile"
	"github.com/oktsec/actiongate/internal/watcher"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const maxSubmitBytes = 1 << 20

func newSubmitCmd(v *viper.Viper) *cobra.Command {
	var kind, sender, subject, sourceID string
	var tags []string

	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Create an action item from a file or stdin",
		Example: `  actiongate submit --kind email --sender client@example.com --subject "Invoice" mail.txt
  echo "call back Dana" | actiongate submit --kind note --tags vip_client`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			var err error
			if len(args) == 1 && args[0] != "-" {
				content, err = safefile.ReadFileMax(args[0], maxSubmitBytes)
				if sourceID == "" {
					sourceID = args[0]
				}
			} else {
				content, err = io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxSubmitBytes+1))
				if err == nil && len(content) > maxSubmitBytes {
					err = fmt.Errorf("input exceeds %d bytes", maxSubmitBytes)
				}
			}
			if err != nil {
				return err
			}

			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			a, err := openApp(cfg, newLogger(cfg.LogLevel))
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // best-effort cleanup

			w, err := a.newWatcher(cmd.Context(), "cli", "note", nil)
			if err != nil {
				return err
			}
			meta := map[string]string{
				watcher.MetaKind:     kind,
				watcher.MetaSender:   sender,
				watcher.MetaSubject:  subject,
				watcher.MetaSourceID: sourceID,
				watcher.MetaTags:     strings.Join(tags, ","),
			}
			for k, val := range meta {
				if val == "" {
					delete(meta, k)
				}
			}
			item, err := w.Produce(cmd.Context(), string(content), meta)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if item == nil {
				fmt.Fprintln(out, "Duplicate: this content was already submitted.") //nolint:errcheck // CLI output
				return nil
			}
			fmt.Fprintf(out, "Created %s (%s) in Needs_Action\n", item.ID, item.Kind) //nolint:errcheck // CLI output
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "item kind used for triage routing (default: note)")
	cmd.Flags().StringVar(&sender, "sender", "", "who the item came from")
	cmd.Flags().StringVar(&subject, "subject", "", "item subject")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "identifier in the originating system")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags, also exposed to permission-boundary exceptions")
	return cmd
}
