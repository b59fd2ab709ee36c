package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-clinical/formrules/internal/bus"
	"github.com/opensource-clinical/formrules/internal/cache"
	"github.com/opensource-clinical/formrules/internal/domain"
	"github.com/opensource-clinical/formrules/internal/pass"
	"github.com/opensource-clinical/formrules/internal/repository"
	"github.com/opensource-clinical/formrules/internal/rules"
	"github.com/opensource-clinical/formrules/internal/worker"
)

// ruleSetTTL bounds how long a rule set written through the API stays cached.
const ruleSetTTL = 30 * time.Minute

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	registry  *rules.Registry
	processor *pass.Processor
	pipeline  *worker.Pipeline
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, registry *rules.Registry, processor *pass.Processor, pipeline *worker.Pipeline, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		registry:  registry,
		processor: processor,
		pipeline:  pipeline,
		version:   version,
	}
}

// EvaluateRequest is the request body for POST /evaluate. With a tree the
// pass runs inline against ruleSet (or the stored set ruleSetId/formKey
// names); without one it runs over the stored form formKey.
type EvaluateRequest struct {
	FormKey         string            `json:"formKey,omitempty"`
	RuleSetID       string            `json:"ruleSetId,omitempty"`
	RuleSet         *domain.RuleSet   `json:"ruleSet,omitempty"`
	Tree            *domain.FieldTree `json:"tree,omitempty"`
	Ref             *domain.FieldTree `json:"ref,omitempty"`
	ActiveFolderID  int64             `json:"activeFolderId,omitempty"`
	CheckForVisitID *bool             `json:"checkForVisitId,omitempty"`
	RunOnceFieldIDs []int64           `json:"runOnceFieldIds,omitempty"`
}

// Evaluate handles POST /evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Tree == nil {
		if req.FormKey == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "tree or formKey is required",
			})
			return
		}
		eval, err := h.pipeline.Evaluate(ctx, tenantID, req.FormKey)
		if err != nil {
			writeError(w, "evaluate stored form", err)
			return
		}
		writeJSON(w, http.StatusOK, eval)
		return
	}

	set := req.RuleSet
	if set == nil {
		id := req.RuleSetID
		if id == "" {
			id = req.FormKey
		}
		if id == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "ruleSet, ruleSetId or formKey is required",
			})
			return
		}
		var err error
		if set, err = h.pipeline.RuleSet(ctx, tenantID, id); err != nil {
			writeError(w, "load rule set", err)
			return
		}
	}

	scope := domain.Scope{
		TenantID:        tenantID,
		FormKey:         req.FormKey,
		CheckForVisitID: set.CheckForVisitID,
		ActiveFolderID:  req.ActiveFolderID,
		Inline:          true,
	}
	if req.CheckForVisitID != nil {
		scope.CheckForVisitID = *req.CheckForVisitID
	}
	// A set carried in the request has no stored visit flag of its own.
	inline := *set
	inline.CheckForVisitID = scope.CheckForVisitID

	eval, err := h.processor.Run(ctx, &pass.Input{
		Scope:     scope,
		RuleSet:   &inline,
		Tree:      req.Tree,
		Ref:       req.Ref,
		TraceID:   GetTraceID(ctx),
		RunOnce:   rules.NewFieldSet(req.RunOnceFieldIDs...),
		StartTime: start,
	})
	if err != nil {
		writeError(w, "evaluate", err)
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveEvaluation(ctx, tenantID, eval); err != nil {
			slog.Error("failed to save evaluation", "evaluation_id", eval.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, eval)
}

// NonLogValuesRequest is the request body for POST /nonlog-values. With a
// tree every non-log field of the tree is resolved; otherwise fieldIds.
type NonLogValuesRequest struct {
	RuleSetID string            `json:"ruleSetId,omitempty"`
	NonLog    *domain.RuleBook  `json:"nonLog,omitempty"`
	Tree      *domain.FieldTree `json:"tree,omitempty"`
	FieldIDs  []int64           `json:"fieldIds,omitempty"`
}

// NonLogValues handles POST /nonlog-values requests.
func (h *Handler) NonLogValues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NonLogValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	book := req.NonLog
	if book == nil {
		if req.RuleSetID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "nonLog or ruleSetId is required",
			})
			return
		}
		set, err := h.pipeline.RuleSet(ctx, GetTenantID(ctx), req.RuleSetID)
		if err != nil {
			writeError(w, "load rule set", err)
			return
		}
		book = set.NonLog
	}

	var values map[int64]domain.Value
	if req.Tree != nil {
		values = rules.NonLogValues(req.Tree, book)
	} else {
		values = rules.NonLogValuesForFields(book, req.FieldIDs)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"values": values,
		"count":  len(values),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(r.Context()); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("bus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":    true,
		"ruleSets": h.registry.Count(),
		"rules":    h.registry.RuleCount(),
		"engine":   h.processor.Engine().Options(),
	})
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	evalID := chi.URLParam(r, "id")

	eval, err := h.repo.GetEvaluation(ctx, GetTenantID(ctx), evalID)
	if err != nil {
		writeError(w, "get evaluation", err)
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// GetSnapshot returns a stored form instance.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	formKey, ok := formKeyParam(w, r)
	if !ok {
		return
	}

	snap, err := h.pipeline.Snapshot(ctx, GetTenantID(ctx), formKey)
	if err != nil {
		writeError(w, "get snapshot", err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// PutSnapshot stores a form instance as sent, without running a pass.
func (h *Handler) PutSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	formKey, ok := formKeyParam(w, r)
	if !ok {
		return
	}

	var snap domain.FormSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	snap.TenantID = tenantID
	snap.FormKey = formKey

	if err := h.pipeline.SaveSnapshot(ctx, tenantID, &snap); err != nil {
		writeError(w, "save snapshot", err)
		return
	}

	slog.Info("snapshot saved", "tenant_id", tenantID, "form_key", formKey)
	writeJSON(w, http.StatusOK, &snap)
}

// FieldValueRequest is the request body for PUT /forms/{key}/fields/{fieldId}.
type FieldValueRequest struct {
	GroupKey       string       `json:"groupKey,omitempty"`
	Value          domain.Value `json:"value"`
	SpecifiedValue *string      `json:"specifiedValue,omitempty"`
}

// PutFieldValue applies a data-entry value to a stored form. The pass runs
// synchronously unless ?async=true, which queues the change for the worker.
func (h *Handler) PutFieldValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	formKey, ok := formKeyParam(w, r)
	if !ok {
		return
	}
	fieldID, err := strconv.ParseInt(chi.URLParam(r, "fieldId"), 10, 64)
	if err != nil || fieldID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "fieldId must be a positive integer",
		})
		return
	}

	var req FieldValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	change := &domain.FieldChange{
		TenantID:       tenantID,
		FormKey:        formKey,
		GroupKey:       req.GroupKey,
		FieldID:        fieldID,
		Value:          req.Value,
		SpecifiedValue: req.SpecifiedValue,
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if h.bus == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "event bus not available",
			})
			return
		}
		if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicFieldChanged, change); err != nil {
			writeError(w, "queue field change", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":  "queued",
			"formKey": formKey,
			"fieldId": fieldID,
		})
		return
	}

	eval, err := h.pipeline.ApplyChange(ctx, change)
	if err != nil {
		writeError(w, "apply field change", err)
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// ListRuleSets returns the tenant's loaded rule sets.
func (h *Handler) ListRuleSets(w http.ResponseWriter, r *http.Request) {
	sets := h.registry.List(GetTenantID(r.Context()))

	writeJSON(w, http.StatusOK, map[string]any{
		"ruleSets": sets,
		"count":    len(sets),
	})
}

// GetRuleSet retrieves a rule set by its form key.
func (h *Handler) GetRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	set, err := h.pipeline.RuleSet(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get rule set", err)
		return
	}

	writeJSON(w, http.StatusOK, set)
}

// CreateRuleSet lints, stores and registers a rule set. Lint errors are
// returned with 400 and nothing is stored.
func (h *Handler) CreateRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var set domain.RuleSet
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if set.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id is required",
		})
		return
	}
	set.TenantID = tenantID
	if set.Version == "" {
		set.Version = "1.0.0"
	}

	lint, err := h.registry.Validate(&set)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  err.Error(),
			"issues": lint.Issues,
		})
		return
	}

	if err := h.repo.SaveRuleSet(ctx, tenantID, &set); err != nil {
		writeError(w, "save rule set", err)
		return
	}
	h.registry.Put(&set)
	if err := h.cache.SetRuleSet(ctx, tenantID, &set, ruleSetTTL); err != nil {
		slog.Warn("failed to cache rule set", "id", set.ID, "error", err)
	}

	slog.Info("rule set saved",
		"tenant_id", tenantID,
		"id", set.ID,
		"rules", set.RuleCount(),
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"ruleSet": &set,
		"issues":  lint.Issues,
	})
}

// DeleteRuleSet disables a rule set and drops it from the registry.
func (h *Handler) DeleteRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	setID := chi.URLParam(r, "id")

	if err := h.repo.DeleteRuleSet(ctx, tenantID, setID); err != nil {
		writeError(w, "delete rule set", err)
		return
	}
	h.registry.Remove(tenantID, setID)
	// A disabled entry shadows any cached copy until it expires.
	tombstone := &domain.RuleSet{ID: setID, TenantID: tenantID, Enabled: false}
	if err := h.cache.SetRuleSet(ctx, tenantID, tombstone, ruleSetTTL); err != nil {
		slog.Warn("failed to invalidate cached rule set", "id", setID, "error", err)
	}

	slog.Info("rule set deleted", "tenant_id", tenantID, "id", setID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule set deleted",
	})
}

// ReloadRuleSets reloads the tenant's rule sets from the database and tells
// other replicas to do the same.
func (h *Handler) ReloadRuleSets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	n, err := h.pipeline.ReloadRuleSets(ctx, tenantID)
	if err != nil {
		writeError(w, "reload rule sets", err)
		return
	}

	if h.bus != nil {
		payload := map[string]any{"tenantId": tenantID, "count": n}
		if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicRulesReloaded, payload); err != nil {
			slog.Warn("failed to publish reload", "tenant_id", tenantID, "error", err)
		}
	}

	slog.Info("rule sets reloaded from database", "tenant_id", tenantID, "count", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rule sets reloaded successfully",
		"count":   n,
	})
}

// formKeyParam returns the unescaped {key} path parameter. Form keys may
// contain slashes, which clients send as %2F.
func formKeyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid form key",
		})
		return "", false
	}
	return key, true
}

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, cache.ErrLocked):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "op", op, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
