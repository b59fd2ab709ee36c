package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opensource-clinical/formrules/internal/domain"
)

// Registry holds the enabled rule sets of every tenant, keyed by form key.
type Registry struct {
	mu   sync.RWMutex
	sets map[registryKey]*domain.RuleSet
}

type registryKey struct {
	tenantID string
	formKey  string
}

// NewRegistry creates an empty rule set registry.
func NewRegistry() *Registry {
	return &Registry{
		sets: make(map[registryKey]*domain.RuleSet),
	}
}

// Validate lints a rule set and fails on any error-level issue.
func (r *Registry) Validate(set *domain.RuleSet) (*LintResult, error) {
	res := LintRuleSet(set)
	if !res.Valid {
		errs := res.Errors()
		return res, fmt.Errorf("rule set has %d error(s), first: %s", len(errs), errs[0].Message)
	}
	return res, nil
}

// Load replaces the registry content with the enabled sets.
func (r *Registry) Load(sets []*domain.RuleSet) {
	next := make(map[registryKey]*domain.RuleSet, len(sets))
	for _, s := range sets {
		if s != nil && s.Enabled {
			next[registryKey{s.TenantID, s.ID}] = s
		}
	}

	r.mu.Lock()
	r.sets = next
	r.mu.Unlock()
}

// Reload clears and reloads rule sets (hot reload).
func (r *Registry) Reload(sets []*domain.RuleSet) {
	r.Load(sets)
}

// ReplaceTenant swaps one tenant's rule sets for the enabled sets given,
// leaving other tenants untouched.
func (r *Registry) ReplaceTenant(tenantID string, sets []*domain.RuleSet) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.sets {
		if k.tenantID == tenantID {
			delete(r.sets, k)
		}
	}
	n := 0
	for _, s := range sets {
		if s != nil && s.Enabled && s.TenantID == tenantID {
			r.sets[registryKey{tenantID, s.ID}] = s
			n++
		}
	}
	return n
}

// Put adds or replaces one rule set. A disabled set is removed.
func (r *Registry) Put(set *domain.RuleSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{set.TenantID, set.ID}
	if !set.Enabled {
		delete(r.sets, key)
		return
	}
	r.sets[key] = set
}

// Remove drops a rule set.
func (r *Registry) Remove(tenantID, formKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sets, registryKey{tenantID, formKey})
}

// Get returns the loaded rule set for a form.
func (r *Registry) Get(tenantID, formKey string) (*domain.RuleSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sets[registryKey{tenantID, formKey}]
	return s, ok
}

// List returns a tenant's loaded rule sets ordered by form key.
// An empty tenantID lists every tenant.
func (r *Registry) List(tenantID string) []*domain.RuleSet {
	r.mu.RLock()
	result := make([]*domain.RuleSet, 0, len(r.sets))
	for k, s := range r.sets {
		if tenantID == "" || k.tenantID == tenantID {
			result = append(result, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].TenantID != result[j].TenantID {
			return result[i].TenantID < result[j].TenantID
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Count returns the number of loaded rule sets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sets)
}

// RuleCount returns the number of rules across all loaded sets.
func (r *Registry) RuleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sets {
		n += s.RuleCount()
	}
	return n
}

// Close empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = make(map[registryKey]*domain.RuleSet)
	return nil
}
