package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/oktsec/actiongate/internal/config"
	"github.com/oktsec/actiongate/internal/policy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newPolicyCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the permission boundary",
	}
	cmd.AddCommand(newPolicyShowCmd(v), newPolicyCheckCmd(v), newPolicyRulesCmd(v))
	return cmd
}

func newPolicyShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active boundary parsed from the handbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			b := policy.LoadOrDefault(cfg.Policy.Path, newLogger(cfg.LogLevel))

			fmt.Println()
			fmt.Printf("  Source:  %s\n", b.Source)
			if b.Fallback {
				fmt.Println("  Mode:    conservative (anything not auto-approved needs approval)")
			}
			printList("Auto-approve", b.AutoApprove)
			printList("Require approval", b.RequireApproval)
			if len(b.Exceptions) > 0 {
				fmt.Println("  Exceptions:")
				for _, ex := range b.Exceptions {
					verdict := "auto-approve"
					if ex.RequireApproval {
						verdict = "require-approval"
					}
					scope := "any action"
					if ex.ActionKeyword != "" {
						scope = ex.ActionKeyword
					}
					fmt.Printf("    - %s: %s (%s)\n", ex.ContextKey, verdict, scope)
				}
			}
			printList("Checklist", b.Checklist)
			fmt.Println()
			return nil
		},
	}
}

func printList(title string, items []string) {
	fmt.Printf("  %s:\n", title)
	if len(items) == 0 {
		fmt.Println("    (none)")
		return
	}
	for _, it := range items {
		fmt.Printf("    - %s\n", it)
	}
}

func newPolicyCheckCmd(v *viper.Viper) *cobra.Command {
	var contextPairs []string
	var draft string

	cmd := &cobra.Command{
		Use:   "check <action-type>",
		Short: "Classify an action type against the boundary",
		Example: `  actiongate policy check send_email
  actiongate policy check send_email --context vip_client=true
  actiongate policy check publish_post --draft "New pricing is live"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actx, err := parseContext(contextPairs)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)
			classifier := policy.NewClassifier(policy.LoadOrDefault(cfg.Policy.Path, logger), draftScanner(cfg), logger)
			a := classifier.Assess(cmd.Context(), args[0], actx, draft)

			verdict := "auto-approve"
			if a.RequireApproval {
				verdict = "requires approval"
			}
			fmt.Println()
			fmt.Printf("  Action:    %s\n", args[0])
			fmt.Printf("  Verdict:   %s\n", verdict)
			fmt.Printf("  Risk:      %s\n", a.Risk)
			fmt.Printf("  Reason:    %s\n", a.Reason)
			if len(a.Factors) > 0 {
				fmt.Printf("  Factors:   %s\n", strings.Join(a.Factors, "; "))
			}
			for _, f := range a.Findings {
				fmt.Printf("  Finding:   [%s] %s (%s)\n", f.RuleID, f.Name, f.Severity)
			}
			if a.RequireApproval {
				printList("Checklist", a.Checklist)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&contextPairs, "context", nil, "context key=value pairs (a bare key means true)")
	cmd.Flags().StringVar(&draft, "draft", "", "draft content to scan")
	return cmd
}

// draftScanner returns the configured scanner, or nil when scanning is off.
func draftScanner(cfg *config.Config) policy.DraftScanner {
	if !cfg.Policy.ScanDrafts {
		return nil
	}
	return policy.NewScanner(cfg.Policy.CustomRulesDir)
}

func parseContext(pairs []string) (map[string]string, error) {
	actx := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, val, found := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("invalid context %q: want key=value", p)
		}
		if !found {
			val = "true"
		}
		actx[k] = strings.TrimSpace(val)
	}
	return actx, nil
}

func newPolicyRulesCmd(v *viper.Viper) *cobra.Command {
	var explain string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List the content rules applied to drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			scanner := policy.NewScanner(cfg.Policy.CustomRulesDir)

			if explain != "" {
				detail, err := scanner.ExplainRule(explain)
				if err != nil {
					return err
				}
				fmt.Printf("Rule: %s\n", detail.ID)
				fmt.Printf("Name: %s\n", detail.Name)
				fmt.Printf("Severity: %s\n", detail.Severity)
				fmt.Printf("Category: %s\n", detail.Category)
				fmt.Printf("Description: %s\n", detail.Description)
				fmt.Println("\nPatterns:")
				for _, p := range detail.Patterns {
					fmt.Printf("  %s\n", p)
				}
				return nil
			}

			rules := scanner.ListRules()
			sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tSEVERITY\tNAME\n") //nolint:errcheck // CLI output
			for _, r := range rules {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.Severity, r.Name) //nolint:errcheck // CLI output
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d rules\n", scanner.RulesCount(cmd.Context()))
			return nil
		},
	}

	cmd.Flags().StringVar(&explain, "explain", "", "show one rule in detail")
	return cmd
}
