package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/opensource-clinical/formrules/internal/domain"
	"github.com/opensource-clinical/formrules/internal/rules"
)

func newNonLogCmd() *cobra.Command {
	var rulesPath, treePath string
	var fieldIDs []int64
	cmd := &cobra.Command{
		Use:   "nonlog",
		Short: "Resolve default values of fields outside the log group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if treePath == "" && len(fieldIDs) == 0 {
				return errors.New("either --tree or --fields is required")
			}
			set, err := loadRuleSet(rulesPath)
			if err != nil {
				return err
			}

			var values map[int64]domain.Value
			if treePath != "" {
				tree, err := loadTree(treePath)
				if err != nil {
					return err
				}
				values = rules.NonLogValues(tree, set.NonLog)
			} else {
				values = rules.NonLogValuesForFields(set.NonLog, fieldIDs)
			}
			return printJSON(cmd.OutOrStdout(), values)
		},
	}
	cmd.Flags().StringVar(&rulesPath, "rules", "", "rule set file (JSON or YAML)")
	cmd.Flags().StringVar(&treePath, "tree", "", "field tree file (JSON or YAML)")
	cmd.Flags().Int64SliceVar(&fieldIDs, "fields", nil, "field ids to resolve without a tree")
	cmd.MarkFlagRequired("rules")
	return cmd
}
