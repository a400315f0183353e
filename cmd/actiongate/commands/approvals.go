package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/oktsec/actiongate/internal/approval"
	"github.com/oktsec/actiongate/internal/model"
	"github.com/oktsec/actiongate/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newApprovalsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "Review and decide approval requests",
	}
	cmd.AddCommand(
		newApprovalsListCmd(v),
		newApprovalsDetailCmd(v),
		newApprovalsApproveCmd(v),
		newApprovalsRejectCmd(v),
	)
	return cmd
}

func newApprovalsListCmd(v *viper.Viper) *cobra.Command {
	var stageName string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests in a stage",
		Example: `  actiongate approvals list
  actiongate approvals list --stage Failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := store.ParseStage(stageName)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			a, err := openApp(cfg, newLogger("error"))
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // best-effort cleanup

			reqs, err := a.gate.List(cmd.Context(), stage)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(reqs) == 0 {
				fmt.Fprintf(out, "No approval requests in %s.\n", stage) //nolint:errcheck // CLI output
				return nil
			}
			renderApprovals(out, reqs, time.Now())
			return nil
		},
	}

	cmd.Flags().StringVar(&stageName, "stage", string(store.PendingApproval), "stage to list")
	return cmd
}

func renderApprovals(w io.Writer, reqs []*model.ApprovalRequest, now time.Time) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Action ID", "Type", "Risk", "Tool", "Age", "Decided by"})
	for _, r := range reqs {
		tw.AppendRow(table.Row{r.ActionID, r.ActionType, r.RiskLevel, r.ToolName, age(now.Sub(r.CreatedAt)), dash(r.DecidedBy())})
	}
	tw.Render()
}

func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func newApprovalsDetailCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "detail <action-id>",
		Aliases: []string{"show"},
		Short:   "Show the full approval document",
		Args:    cobra.ExactArgs(1),
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

			rec, err := a.store.Get(cmd.Context(), store.KindApproval, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# stage: %s\n", rec.Stage) //nolint:errcheck // CLI output
			_, err = out.Write(rec.Doc)
			return err
		},
	}
}

func newApprovalsApproveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <action-id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := humanActor(v)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			a, err := openApp(cfg, newLogger("error"))
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // best-effort cleanup

			r, err := a.gate.ApproveByID(cmd.Context(), args[0], who)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approved %s as %s. It will run on the next orchestrator pass.\n", r.ActionID, who) //nolint:errcheck // CLI output
			return nil
		},
	}
}

func newApprovalsRejectCmd(v *viper.Viper) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <action-id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := humanActor(v)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			a, err := openApp(cfg, newLogger("error"))
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // best-effort cleanup

			r, err := a.gate.RejectByID(cmd.Context(), args[0], who, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s as %s: %s\n", r.ActionID, who, r.RejectionReason) //nolint:errcheck // CLI output
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the action must not run (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

// humanActor resolves the deciding actor, refusing the pipeline's own name.
func humanActor(v *viper.Viper) (string, error) {
	who, err := actor(v)
	if err != nil {
		return "", err
	}
	if who == approval.SystemActor {
		return "", fmt.Errorf("actor name %q is reserved", who)
	}
	return who, nil
}
