package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensource-clinical/formrules/internal/domain"
	"github.com/opensource-clinical/formrules/internal/pass"
	"github.com/opensource-clinical/formrules/internal/rules"
)

type evalOptions struct {
	rulesPath  string
	treePath   string
	refPath    string
	formKey    string
	folderID   int64
	checkVisit bool
	runOnce    []int64
	summary    bool
	engine     domain.EngineConfig
}

func newEvalCmd() *cobra.Command {
	opts := evalOptions{engine: domain.DefaultConfig().Engine}
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run one rule pass over a field tree and print the evaluation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.rulesPath, "rules", "", "rule set file (JSON or YAML)")
	f.StringVar(&opts.treePath, "tree", "", "field tree file (JSON or YAML)")
	f.StringVar(&opts.refPath, "ref", "", "reference tree for edit checks")
	f.StringVar(&opts.formKey, "form", "", "form key reported in the evaluation")
	f.Int64Var(&opts.folderID, "folder", 0, "active folder (visit) id")
	f.BoolVar(&opts.checkVisit, "check-visit", false, "scope actions to the active folder")
	f.Int64SliceVar(&opts.runOnce, "run-once", nil, "fields whose overridable derivations already ran")
	f.BoolVar(&opts.summary, "summary", false, "print the evaluation summary instead of the full result")
	f.BoolVar(&opts.engine.PartialMatchDerives, "partial-match-derives", opts.engine.PartialMatchDerives, "derive on partial AND matches")
	f.BoolVar(&opts.engine.PropagateNonFinite, "propagate-non-finite", opts.engine.PropagateNonFinite, "write Infinity derivation results")
	cmd.MarkFlagRequired("rules")
	cmd.MarkFlagRequired("tree")
	return cmd
}

func runEval(cmd *cobra.Command, opts evalOptions) error {
	set, err := loadRuleSet(opts.rulesPath)
	if err != nil {
		return err
	}
	tree, err := loadTree(opts.treePath)
	if err != nil {
		return err
	}
	ref, err := loadTree(opts.refPath)
	if err != nil {
		return err
	}
	if opts.checkVisit {
		set.CheckForVisitID = true
	}

	processor := pass.NewProcessor(rules.NewEngine(nil, rules.OptionsFromConfig(opts.engine)))
	eval, err := processor.Run(cmd.Context(), &pass.Input{
		Scope: domain.Scope{
			TenantID:        "local",
			FormKey:         opts.formKey,
			CheckForVisitID: set.CheckForVisitID,
			ActiveFolderID:  opts.folderID,
			Inline:          true,
		},
		RuleSet: set,
		Tree:    tree,
		Ref:     ref,
		RunOnce: rules.NewFieldSet(opts.runOnce...),
	})
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	if opts.summary {
		return printJSON(cmd.OutOrStdout(), eval.Summary())
	}
	return printJSON(cmd.OutOrStdout(), eval)
}
