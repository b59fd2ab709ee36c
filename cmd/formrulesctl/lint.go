package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensource-clinical/formrules/internal/rules"
)

func newLintCmd() *cobra.Command {
	var rulesPath string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Statically check a rule set",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadRuleSet(rulesPath)
			if err != nil {
				return err
			}
			res := rules.LintRuleSet(set)

			out := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				for _, is := range res.Issues {
					fmt.Fprintf(out, "%-7s %-10s %-20s %s\n", is.Severity, is.Family, is.Key, is.Message)
				}
				fmt.Fprintf(out, "%d issue(s), %d error(s)\n", len(res.Issues), len(res.Errors()))
			}
			if !res.Valid {
				return fmt.Errorf("rule set %s has %d error(s)", set.ID, len(res.Errors()))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesPath, "rules", "", "rule set file (JSON or YAML)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the lint result as JSON")
	cmd.MarkFlagRequired("rules")
	return cmd
}
