// Package rules provides the form rule evaluation engine.
package rules

import (
	"context"
	"errors"
	"log/slog"

	"github.com/opensource-clinical/formrules/internal/domain"
)

// Engine evaluates the four rule families against a field tree.
// It holds no per-form state and is safe for concurrent use; callers must
// serialize passes over one form instance themselves.
type Engine struct {
	getValue ValueGetter
	opts     Options
}

// NewEngine creates a rule engine. A nil getter resolves edit-check field
// references to the field's model value.
func NewEngine(getValue ValueGetter, opts Options) *Engine {
	if getValue == nil {
		getValue = ModelValue
	}
	return &Engine{getValue: getValue, opts: opts}
}

// ModelValue is the ValueGetter that reads the field as it is in the tree.
func ModelValue(_ context.Context, _ domain.Scope, f *domain.Field) (domain.Value, error) {
	return f.ModelValue, nil
}

// Options returns the engine's compatibility switches.
func (e *Engine) Options() Options {
	return e.opts
}

// Derive evaluates every derivation in book against a clone of tree and
// writes the derived model values into the clone.
//
// A user-overridable derivation runs once per target field: the first pass
// records the field in runOnce and later passes skip every derivation of
// that field. runOnce may be nil when the caller does not track sessions.
func (e *Engine) Derive(ctx context.Context, book *domain.RuleBook, tree *domain.FieldTree, scope domain.Scope, runOnce *FieldSet) (*domain.FieldTree, *domain.DerivationResults, error) {
	out := tree.Clone()
	results := domain.NewResultMap[domain.Value]()
	if book.Len() == 0 || out == nil {
		return out, results, nil
	}
	if runOnce == nil {
		runOnce = NewFieldSet()
	}

	for _, entry := range book.Entries {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		flags := Classify(entry.Rule, domain.FamilyDerivation)
		if !flags.IsDerivation {
			continue
		}
		target, ok := entry.TargetFieldID()
		if !ok {
			slog.Debug("derivation key has no target field", "key", entry.Key)
			continue
		}
		if flags.IsEnabled && !runOnce.Has(target) {
			runOnce.Add(target)
		} else if runOnce.Has(target) {
			continue
		}

		for _, g := range out.Groups {
			f := LocateField(g.Fields, target)
			if f == nil {
				continue
			}
			groups := GroupDerivationSteps(entry.Rule.Steps, g.Fields)
			resolved := ResolveTarget(entry.Rule.Actions, f.ID, scope)
			if resolved == NoTarget {
				results.Set(f.ID, entry.ID, domain.Bool(false))
				continue
			}
			results.Set(resolved, entry.ID, CombineDerivation(groups, ParseFormat(f.Format), e.opts))
		}
	}

	ApplyDerivations(out, results)
	return out, results, nil
}

// MarkDerived locks fields fed by a derivation the user may not override.
// Such fields become disabled and show the "Derived" placeholder on both
// tree and ref; ref is addressed by the field's position in tree.
func (e *Engine) MarkDerived(book *domain.RuleBook, tree, ref *domain.FieldTree, scope domain.Scope) (*domain.FieldTree, *domain.FieldTree) {
	out, outRef := tree.Clone(), ref.Clone()
	if book.Len() == 0 || out == nil {
		return out, outRef
	}
	for _, entry := range book.Entries {
		flags := Classify(entry.Rule, domain.FamilyDerivation)
		if !flags.IsDerivation {
			continue
		}
		target, ok := entry.TargetFieldID()
		if !ok || !AppliesToField(entry.Rule.Actions, target, scope) {
			continue
		}
		locked := flags.IsDerivation && !flags.IsEnabled

		for _, g := range out.Groups {
			pos, found := positionOf(g.Fields, target)
			if !found {
				continue
			}
			f := pos.at(g.Fields)
			disabled := locked || f.Disabled
			f.Disabled = disabled
			if locked {
				f.Placeholder = DerivedPlaceholder
			}
			if rg := outRef.Group(g.Key); rg != nil {
				if r := pos.at(rg.Fields); r != nil {
					r.Disabled = disabled
					if locked {
						r.Placeholder = DerivedPlaceholder
					}
				}
			}
		}
	}
	return out, outRef
}

// EvaluateVisibility runs every visibility check in book against tree.
func (e *Engine) EvaluateVisibility(ctx context.Context, book *domain.RuleBook, tree *domain.FieldTree, scope domain.Scope) (*domain.CheckResults, error) {
	return e.evaluateChecks(ctx, book, tree, scope, domain.FamilyVisibility)
}

// EvaluateDisable runs every disable check in book against tree.
func (e *Engine) EvaluateDisable(ctx context.Context, book *domain.RuleBook, tree *domain.FieldTree, scope domain.Scope) (*domain.CheckResults, error) {
	return e.evaluateChecks(ctx, book, tree, scope, domain.FamilyDisable)
}

// evaluateChecks records, for every group holding a rule's target field,
// the rule's decision keyed by the resolved field. A rule that does not
// target the field in scope records false under the field's own id.
func (e *Engine) evaluateChecks(ctx context.Context, book *domain.RuleBook, tree *domain.FieldTree, scope domain.Scope, family domain.Family) (*domain.CheckResults, error) {
	results := domain.NewResultMap[bool]()
	if book.Len() == 0 || tree == nil {
		return results, nil
	}
	for _, entry := range book.Entries {
		if !Classify(entry.Rule, family).Active() {
			continue
		}
		target, ok := entry.TargetFieldID()
		if !ok {
			slog.Debug("edit check key has no target field", "key", entry.Key, "family", string(family))
			continue
		}
		for _, g := range tree.Groups {
			f := LocateField(g.Fields, target)
			if f == nil {
				continue
			}
			gscope := scope
			gscope.GroupKey = g.Key
			groups, err := GroupCheckSteps(ctx, entry.Rule.Steps, g.Fields, gscope, e.lookup)
			if err != nil {
				return nil, err
			}
			resolved := ResolveTarget(entry.Rule.Actions, f.ID, scope)
			if resolved == NoTarget {
				results.Set(f.ID, entry.ID, false)
				continue
			}
			results.Set(resolved, entry.ID, CombineCheck(groups))
		}
	}
	return results, nil
}

// lookup resolves an edit-check field reference. Only cancellation stops
// the pass; other lookup failures fall back to the model value.
func (e *Engine) lookup(ctx context.Context, scope domain.Scope, f *domain.Field) (domain.Value, error) {
	if err := ctx.Err(); err != nil {
		return domain.Null(), err
	}
	v, err := e.getValue(ctx, scope, f)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Null(), err
	}
	slog.Warn("field value lookup failed, using model value",
		"tenant_id", scope.TenantID,
		"form_key", scope.FormKey,
		"field_id", f.ID,
		"error", err,
	)
	return f.ModelValue, nil
}
