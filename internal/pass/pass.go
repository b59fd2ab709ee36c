// Package pass runs one full rule pass over a form instance.
// A pass derives values, locks derived fields, then applies visibility
// and disable checks, and reports the outcome as a domain.Evaluation.
package pass

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-clinical/formrules/internal/domain"
	"github.com/opensource-clinical/formrules/internal/rules"
)

// EngineVersion is stamped on every evaluation.
const EngineVersion = "formrules-1.0"

var tracer = otel.Tracer("formrules-pass")

// Processor runs rule passes with a shared engine.
type Processor struct {
	engine *rules.Engine
}

// NewProcessor creates a pass processor around engine.
func NewProcessor(engine *rules.Engine) *Processor {
	if engine == nil {
		engine = rules.NewEngine(nil, rules.DefaultOptions())
	}
	return &Processor{engine: engine}
}

// Engine returns the processor's rule engine.
func (p *Processor) Engine() *rules.Engine {
	return p.engine
}

// Input contains all data needed for one pass.
type Input struct {
	Scope   domain.Scope
	RuleSet *domain.RuleSet
	Tree    *domain.FieldTree
	Ref     *domain.FieldTree
	TraceID string

	// RunOnce tracks user-overridable derivations already run in this form
	// session. A nil set treats every pass as the first.
	RunOnce *rules.FieldSet

	StartTime time.Time
}

// Run evaluates the rule set against the input tree. The input trees are
// never mutated. Only context errors are returned.
func (p *Processor) Run(ctx context.Context, in *Input) (*domain.Evaluation, error) {
	if in == nil || in.RuleSet == nil {
		return nil, fmt.Errorf("pass: rule set is required")
	}
	if in.StartTime.IsZero() {
		in.StartTime = time.Now()
	}
	if in.Scope.FormKey == "" {
		in.Scope.FormKey = in.RuleSet.ID
	}
	if in.RuleSet.CheckForVisitID {
		in.Scope.CheckForVisitID = true
	}

	ctx, span := tracer.Start(ctx, "pass.Run", trace.WithAttributes(
		attribute.String("tenant.id", in.Scope.TenantID),
		attribute.String("form.key", in.Scope.FormKey),
		attribute.Int("rules.count", in.RuleSet.RuleCount()),
	))
	defer span.End()

	set := in.RuleSet
	eval := &domain.Evaluation{
		ID:        uuid.New().String(),
		TenantID:  in.Scope.TenantID,
		FormKey:   in.Scope.FormKey,
		Timestamp: time.Now().UTC(),
	}
	if in.Tree == nil {
		in.Tree = domain.NewFieldTree()
	}
	ref := in.Ref
	if ref == nil {
		ref = in.Tree
	}

	// Derivations
	start := time.Now()
	tree, derived, err := p.derive(ctx, set, in)
	if err != nil {
		return nil, err
	}
	tree, ref = p.engine.MarkDerived(set.Derivations, tree, ref, in.Scope)
	eval.Derivations = derived
	eval.Metadata.DeriveMs = observe(stageDerive, start)

	// Visibility
	start = time.Now()
	visibility, applied, err := p.check(ctx, domain.FamilyVisibility, set.Visibility, tree, ref, in.Scope)
	if err != nil {
		return nil, err
	}
	tree, ref = applied.Tree, applied.Ref
	eval.Visibility = visibility
	eval.VisibilityChanged = applied.Changed
	eval.Metadata.FieldsCleared += applied.Cleared
	eval.Metadata.VisibilityMs = observe(stageVisibility, start)

	// Disable
	start = time.Now()
	disable, applied, err := p.check(ctx, domain.FamilyDisable, set.Disable, tree, ref, in.Scope)
	if err != nil {
		return nil, err
	}
	eval.Disable = disable
	eval.DisableChanged = applied.Changed
	eval.Metadata.FieldsCleared += applied.Cleared
	eval.Metadata.DisableMs = observe(stageDisable, start)

	eval.Tree = applied.Tree
	eval.Ref = applied.Ref
	eval.RunOnceFieldIDs = in.RunOnce.IDs()
	eval.Metadata.TraceID = in.TraceID
	if eval.Metadata.TraceID == "" && span.SpanContext().TraceID().IsValid() {
		eval.Metadata.TraceID = span.SpanContext().TraceID().String()
	}
	eval.Metadata.RulesEvaluated = set.Derivations.Len() + set.Visibility.Len() + set.Disable.Len()
	eval.Metadata.EngineVersion = EngineVersion
	eval.Metadata.TotalMs = observe(stageTotal, in.StartTime)

	span.SetAttributes(
		attribute.Bool("pass.changed", eval.Changed()),
		attribute.Int("pass.fields_cleared", eval.Metadata.FieldsCleared),
	)
	return eval, nil
}

func (p *Processor) derive(ctx context.Context, set *domain.RuleSet, in *Input) (*domain.FieldTree, *domain.DerivationResults, error) {
	ctx, span := tracer.Start(ctx, "pass.derive", trace.WithAttributes(
		attribute.Int("rules.count", set.Derivations.Len()),
	))
	defer span.End()

	tree, results, err := p.engine.Derive(ctx, set.Derivations, in.Tree, in.Scope, in.RunOnce)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	recordDerivations(results)
	return tree, results, nil
}

func (p *Processor) check(ctx context.Context, family domain.Family, book *domain.RuleBook, tree, ref *domain.FieldTree, scope domain.Scope) (*domain.CheckResults, rules.Applied, error) {
	ctx, span := tracer.Start(ctx, "pass."+string(family), trace.WithAttributes(
		attribute.Int("rules.count", book.Len()),
	))
	defer span.End()

	var (
		results *domain.CheckResults
		err     error
		applied rules.Applied
	)
	switch family {
	case domain.FamilyVisibility:
		results, err = p.engine.EvaluateVisibility(ctx, book, tree, scope)
		if err == nil {
			applied = rules.ApplyVisibility(tree, ref, results)
		}
	default:
		results, err = p.engine.EvaluateDisable(ctx, book, tree, scope)
		if err == nil {
			applied = rules.ApplyDisable(tree, ref, results)
		}
	}
	if err != nil {
		span.RecordError(err)
		return nil, applied, err
	}

	recordChecks(family, results)
	fieldsCleared.WithLabelValues(string(family)).Add(float64(applied.Cleared))
	span.SetAttributes(attribute.Bool("pass.changed", applied.Changed))
	return results, applied, nil
}

// ChangedFieldIDs lists the fields whose visibility or disabled state
// differs between before and the evaluated tree.
func ChangedFieldIDs(before *domain.FieldTree, eval *domain.Evaluation) []int64 {
	prev := make(map[string]*domain.Field)
	before.Leaves(func(g *domain.FieldGroup, f *domain.Field) {
		prev[leafKey(g.Key, f.ID)] = f
	})
	var ids []int64
	eval.Tree.Leaves(func(g *domain.FieldGroup, f *domain.Field) {
		old, ok := prev[leafKey(g.Key, f.ID)]
		if !ok {
			return
		}
		if old.IsVisible != f.IsVisible || old.Disabled != f.Disabled {
			ids = append(ids, f.ID)
		}
	})
	return ids
}

func leafKey(group string, id int64) string {
	return fmt.Sprintf("%s/%d", group, id)
}
