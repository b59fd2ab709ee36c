// Package worker processes field changes asynchronously from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-clinical/formrules/internal/bus"
	"github.com/opensource-clinical/formrules/internal/domain"
)

// globalTenant subscribes a worker that serves every tenant (dev setups).
const globalTenant = "_global"

// Worker consumes field changes and runs passes through a Pipeline.
// Changes are sharded by form key so one form's changes apply in order.
type Worker struct {
	bus      domain.EventBus
	pipeline *Pipeline

	mu            sync.Mutex
	subscriptions []domain.Subscription
	shards        []chan job
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

type job struct {
	msg    *domain.Message
	change *domain.FieldChange
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string

	// WorkerCount is the number of shard goroutines
	WorkerCount int

	// QueueSize bounds each shard's backlog
	QueueSize int
}

// NewWorker creates a new async worker.
func NewWorker(b domain.EventBus, pipeline *Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      b,
		pipeline: pipeline,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the shard goroutines and subscribes for the given tenants.
func (w *Worker) Start(cfg Config) error {
	count := cfg.WorkerCount
	if count <= 0 {
		count = 1
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}

	w.mu.Lock()
	w.shards = make([]chan job, count)
	for i := range w.shards {
		w.shards[i] = make(chan job, size)
		w.wg.Add(1)
		go w.runShard(w.shards[i])
	}
	w.mu.Unlock()

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{globalTenant}
	}
	for _, tenantID := range tenants {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(tenants),
		"worker_count", count,
	)
	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicFieldChanged, w.handleFieldChanged)
	if err != nil {
		return err
	}
	w.addSubscription(sub)

	sub, err = w.bus.Subscribe(w.ctx, tenantID, domain.TopicRulesReloaded, w.handleRulesReloaded)
	if err != nil {
		return err
	}
	w.addSubscription(sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicFieldChanged,
	)
	return nil
}

func (w *Worker) addSubscription(sub domain.Subscription) {
	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
}

// handleFieldChanged queues a change on its form's shard.
func (w *Worker) handleFieldChanged(ctx context.Context, msg *domain.Message) error {
	change, err := bus.Decode[domain.FieldChange](msg)
	if err != nil {
		slog.Error("failed to parse field change",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if change.TenantID != "" && change.TenantID != msg.TenantID {
		slog.Warn("field change names another tenant, using the subject's",
			"message_id", msg.ID,
			"tenant_id", msg.TenantID,
			"payload_tenant_id", change.TenantID,
		)
	}
	change.TenantID = msg.TenantID

	w.mu.Lock()
	shards := w.shards
	w.mu.Unlock()
	if len(shards) == 0 {
		return nil
	}

	select {
	case shards[shardFor(change.FormKey, len(shards))] <- job{msg: msg, change: change}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) handleRulesReloaded(ctx context.Context, msg *domain.Message) error {
	tenantID := msg.TenantID
	if tenantID == globalTenant {
		var payload struct {
			TenantID string `json:"tenantId"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err == nil && payload.TenantID != "" {
			tenantID = payload.TenantID
		}
	}
	n, err := w.pipeline.ReloadRuleSets(ctx, tenantID)
	if err != nil {
		slog.Error("failed to reload rule sets", "tenant_id", tenantID, "error", err)
		return err
	}
	slog.Info("rule sets reloaded", "tenant_id", tenantID, "count", n)
	return nil
}

func (w *Worker) runShard(jobs <-chan job) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case j := <-jobs:
			w.process(j)
		}
	}
}

// process applies one change and answers the sender if it asked for a reply.
func (w *Worker) process(j job) {
	start := time.Now()
	ctx := w.ctx

	eval, err := w.pipeline.ApplyChange(ctx, j.change)
	if err != nil {
		slog.Error("field change failed",
			"tenant_id", j.change.TenantID,
			"form_key", j.change.FormKey,
			"field_id", j.change.FieldID,
			"message_id", j.msg.ID,
			"error", err,
		)
		w.reply(ctx, j.msg, map[string]string{"error": err.Error()})
		return
	}

	w.reply(ctx, j.msg, eval.Summary())

	slog.Info("field change processed",
		"tenant_id", eval.TenantID,
		"form_key", eval.FormKey,
		"field_id", j.change.FieldID,
		"evaluation_id", eval.ID,
		"changed", eval.Changed(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) reply(ctx context.Context, msg *domain.Message, v any) {
	if msg.Metadata[bus.MetaReplyTo] == "" {
		return
	}
	payload, _ := json.Marshal(v)
	if err := bus.Reply(ctx, w.bus, msg, payload); err != nil {
		slog.Error("failed to reply", "message_id", msg.ID, "error", err)
	}
}

func shardFor(formKey string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(formKey))
	return int(h.Sum32() % uint32(n))
}

// Stop gracefully stops all workers. Queued changes that have not started
// are dropped; the sender's form stays as it was.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Shards            int      `json:"shards"`
	Queued            int      `json:"queued"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	queued := 0
	for _, ch := range w.shards {
		queued += len(ch)
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Shards:            len(w.shards),
		Queued:            queued,
	}
}
