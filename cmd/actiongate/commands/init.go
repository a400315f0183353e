package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/oktsec/actiongate/internal/config"
	"github.com/oktsec/actiongate/internal/safefile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const sampleHandbook = `# Company Handbook

Actions the assistant may take on its own, and the ones a human signs off.

## Auto-Approve

- dashboard update
- internal note
- categorize_email

## Require Approval

- send_email
- publish_post
- payment
- delete

## Exceptions

- vip_client: require-approval send_email
- internal_recipient: auto-approve send_email

## Approval Checklist

- Recipient is known and trusted
- Content contains no sensitive or confidential information
- Blast radius is understood and acceptable
- Action is reversible, or the irreversibility is accepted
`

func newInitCmd(v *viper.Viper) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and a sample permission handbook",
		Example: `  actiongate init
  actiongate init --config ./ops/actiongate.yaml --data-dir /var/lib/actiongate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := v.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.Defaults()
			if dir := v.GetString("data-dir"); dir != "" {
				cfg.DataDir = dir
			}
			if lvl := v.GetString("log-level"); lvl != "" {
				cfg.LogLevel = lvl
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}
			if err := cfg.Save(path); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s\n", path) //nolint:errcheck // CLI output

			wrote, err := writeIfMissing(cfg.Policy.Path, []byte(sampleHandbook))
			if err != nil {
				return err
			}
			if wrote {
				fmt.Fprintf(out, "Wrote %s\n", cfg.Policy.Path) //nolint:errcheck // CLI output
			} else {
				fmt.Fprintf(out, "Kept existing %s\n", cfg.Policy.Path) //nolint:errcheck // CLI output
			}
			fmt.Fprintf(out, "Data directory: %s\n", cfg.DataDir) //nolint:errcheck // CLI output
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func writeIfMissing(path string, data []byte) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := safefile.WriteFileAtomic(path, data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}
