package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-clinical/formrules/internal/bus"
	"github.com/opensource-clinical/formrules/internal/cache"
	"github.com/opensource-clinical/formrules/internal/domain"
	"github.com/opensource-clinical/formrules/internal/fieldvalue"
	"github.com/opensource-clinical/formrules/internal/pass"
	"github.com/opensource-clinical/formrules/internal/repository"
	"github.com/opensource-clinical/formrules/internal/rules"
)

// Pipeline runs passes over stored form instances. Passes over one form
// are serialized through the cache lock; different forms run in parallel.
type Pipeline struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	registry  *rules.Registry
	processor *pass.Processor
	values    *fieldvalue.Service

	snapshotTTL time.Duration
	lockTTL     time.Duration
}

// NewPipeline wires a pipeline. bus may be nil, in which case completed
// evaluations are not published.
func NewPipeline(repo domain.Repository, c domain.Cache, b domain.EventBus, registry *rules.Registry, processor *pass.Processor, values *fieldvalue.Service, cfg domain.EngineConfig) *Pipeline {
	p := &Pipeline{
		repo:        repo,
		cache:       c,
		bus:         b,
		registry:    registry,
		processor:   processor,
		values:      values,
		snapshotTTL: cfg.SnapshotTTL,
		lockTTL:     cfg.LockTTL,
	}
	if p.snapshotTTL <= 0 {
		p.snapshotTTL = 30 * time.Minute
	}
	if p.lockTTL <= 0 {
		p.lockTTL = 10 * time.Second
	}
	return p
}

// ApplyChange writes a field value into the stored form and runs a pass.
func (p *Pipeline) ApplyChange(ctx context.Context, change *domain.FieldChange) (*domain.Evaluation, error) {
	if change.TenantID == "" || change.FormKey == "" {
		return nil, fmt.Errorf("%w: tenantId and formKey are required", repository.ErrInvalidInput)
	}
	return p.run(ctx, change.TenantID, change.FormKey, func(ctx context.Context, snap *domain.FormSnapshot) error {
		values := setValue(snap.Tree, change)
		if len(values) == 0 {
			return fmt.Errorf("%w: field %d is not on form %s", repository.ErrInvalidInput, change.FieldID, change.FormKey)
		}
		// Edit checks read persisted values, so the entry is saved before the pass.
		return p.values.Store(ctx, change.TenantID, values)
	})
}

// Evaluate runs a pass over the stored form without changing it first.
func (p *Pipeline) Evaluate(ctx context.Context, tenantID, formKey string) (*domain.Evaluation, error) {
	return p.run(ctx, tenantID, formKey, nil)
}

// SaveSnapshot stores a form instance, replacing the cached copy.
func (p *Pipeline) SaveSnapshot(ctx context.Context, tenantID string, snap *domain.FormSnapshot) error {
	if snap.Tree == nil {
		return fmt.Errorf("%w: tree is required", repository.ErrInvalidInput)
	}
	return cache.WithLock(ctx, p.cache, tenantID, lockName(snap.FormKey), p.lockTTL, p.lockTTL, func(ctx context.Context) error {
		return p.storeSnapshot(ctx, tenantID, snap)
	})
}

// Snapshot loads a form instance, cache first.
func (p *Pipeline) Snapshot(ctx context.Context, tenantID, formKey string) (*domain.FormSnapshot, error) {
	if snap, err := p.cache.GetSnapshot(ctx, tenantID, formKey); err == nil && snap != nil {
		return snap, nil
	}
	snap, err := p.repo.GetSnapshot(ctx, tenantID, formKey)
	if err != nil {
		return nil, err
	}
	_ = p.cache.SetSnapshot(ctx, tenantID, snap, p.snapshotTTL)
	return snap, nil
}

// RuleSet resolves a rule set from the registry, the cache, then the
// repository, populating the faster layers on the way back.
func (p *Pipeline) RuleSet(ctx context.Context, tenantID, setID string) (*domain.RuleSet, error) {
	if set, ok := p.registry.Get(tenantID, setID); ok {
		return set, nil
	}
	if set, err := p.cache.GetRuleSet(ctx, tenantID, setID); err == nil && set != nil && set.Enabled {
		p.registry.Put(set)
		return set, nil
	}
	set, err := p.repo.GetRuleSet(ctx, tenantID, setID)
	if err != nil {
		return nil, err
	}
	p.registry.Put(set)
	_ = p.cache.SetRuleSet(ctx, tenantID, set, p.snapshotTTL)
	return set, nil
}

// ReloadRuleSets replaces a tenant's registered rule sets with the enabled
// sets in the repository.
func (p *Pipeline) ReloadRuleSets(ctx context.Context, tenantID string) (int, error) {
	sets, err := p.repo.ListRuleSets(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to list rule sets: %w", err)
	}
	return p.registry.ReplaceTenant(tenantID, sets), nil
}

func (p *Pipeline) run(ctx context.Context, tenantID, formKey string, mutate func(context.Context, *domain.FormSnapshot) error) (*domain.Evaluation, error) {
	var eval *domain.Evaluation
	err := cache.WithLock(ctx, p.cache, tenantID, lockName(formKey), p.lockTTL, p.lockTTL, func(ctx context.Context) error {
		snap, err := p.Snapshot(ctx, tenantID, formKey)
		if err != nil {
			return fmt.Errorf("failed to load form %s: %w", formKey, err)
		}
		set, err := p.RuleSet(ctx, tenantID, snap.RuleSetKey())
		if err != nil {
			return fmt.Errorf("failed to load rule set %s: %w", snap.RuleSetKey(), err)
		}

		snap.Tree = snap.Tree.Clone()
		if mutate != nil {
			if err := mutate(ctx, snap); err != nil {
				return err
			}
		}

		eval, err = p.processor.Run(ctx, &pass.Input{
			Scope: domain.Scope{
				TenantID:        tenantID,
				FormKey:         formKey,
				CheckForVisitID: set.CheckForVisitID,
				ActiveFolderID:  snap.ActiveFolderID,
			},
			RuleSet: set,
			Tree:    snap.Tree,
			Ref:     snap.Ref,
			RunOnce: rules.NewFieldSet(snap.RunOnceFieldIDs...),
		})
		if err != nil {
			return err
		}
		if eval.Changed() {
			slog.Debug("form state changed",
				"tenant_id", tenantID,
				"form_key", formKey,
				"fields", pass.ChangedFieldIDs(snap.Tree, eval),
			)
		}

		snap.Tree = eval.Tree
		snap.Ref = eval.Ref
		snap.RunOnceFieldIDs = eval.RunOnceFieldIDs
		if err := p.storeSnapshot(ctx, tenantID, snap); err != nil {
			return err
		}
		if err := p.repo.SaveEvaluation(ctx, tenantID, eval); err != nil {
			return fmt.Errorf("failed to save evaluation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.publish(ctx, eval)
	return eval, nil
}

func (p *Pipeline) storeSnapshot(ctx context.Context, tenantID string, snap *domain.FormSnapshot) error {
	if err := p.repo.SaveSnapshot(ctx, tenantID, snap); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	if err := p.cache.SetSnapshot(ctx, tenantID, snap, p.snapshotTTL); err != nil {
		slog.Warn("failed to cache snapshot",
			"tenant_id", tenantID,
			"form_key", snap.FormKey,
			"error", err,
		)
	}
	return p.values.Store(ctx, tenantID, fieldvalue.Snapshot(tenantID, snap.FormKey, snap.Tree))
}

func (p *Pipeline) publish(ctx context.Context, eval *domain.Evaluation) {
	if p.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, p.bus, eval.TenantID, domain.TopicEvaluationCompleted, eval.Summary()); err != nil {
		slog.Error("failed to publish evaluation",
			"evaluation_id", eval.ID,
			"form_key", eval.FormKey,
			"error", err,
		)
	}
}

// setValue writes the change into every matching leaf and returns the
// values to persist, one per row written. It returns nil when the field is
// not on the form.
func setValue(tree *domain.FieldTree, change *domain.FieldChange) []*domain.FieldValue {
	var out []*domain.FieldValue
	now := time.Now().UTC()
	tree.Leaves(func(g *domain.FieldGroup, f *domain.Field) {
		if f.ID != change.FieldID || (change.GroupKey != "" && g.Key != change.GroupKey) {
			return
		}
		f.ModelValue = change.Value.Clone()
		f.SpecifiedValue = change.SpecifiedValue
		out = append(out, &domain.FieldValue{
			TenantID:       change.TenantID,
			FormKey:        change.FormKey,
			GroupKey:       g.Key,
			FieldID:        f.ID,
			Value:          fieldvalue.Normalize(f),
			SpecifiedValue: f.SpecifiedValue,
			UpdatedAt:      now,
		})
	})
	return out
}

func lockName(formKey string) string {
	return "form:" + formKey
}
