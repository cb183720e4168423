// Package dispatcher implements the outbox delivery worker: leasing due
// deliveries, POSTing them to node agents, and recomputing the parent
// event's aggregate status. Grounded on
// original_source/src/tracegate/dispatcher/main.py.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tracegate/tracegate/internal/db"
)

// Store is the persistence surface Dispatcher needs. *db.Queries satisfies
// it directly.
type Store interface {
	ClaimDeliveries(ctx context.Context, now time.Time, dispatcherID string, batchSize int, lockTTL time.Duration) ([]db.OutboxDelivery, error)
	GetDelivery(ctx context.Context, id uuid.UUID) (db.OutboxDelivery, error)
	MarkDeliverySent(ctx context.Context, id uuid.UUID) error
	MarkDeliveryFailed(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string, dead bool) error
	CountDeliveryStatuses(ctx context.Context, eventID uuid.UUID) (db.DeliveryStatusCounts, error)

	GetEvent(ctx context.Context, id uuid.UUID) (db.OutboxEvent, error)
	IncrementEventAttempts(ctx context.Context, id uuid.UUID) error
	UpdateEventStatus(ctx context.Context, id uuid.UUID, status db.OutboxEventStatus, lastError *string) error

	GetNode(ctx context.Context, id uuid.UUID) (db.NodeEndpoint, error)
}

// Config bounds a Dispatcher's poll/claim/concurrency behavior.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	LockTTL      time.Duration
	MaxAttempts  int
	AgentToken   string
}

// Dispatcher is the background worker described at SPEC_FULL.md §4.4. It
// may run as N replicas safely: claiming uses FOR UPDATE SKIP LOCKED.
type Dispatcher struct {
	store  Store
	client AgentClient
	rdb    *redis.Client
	logger *slog.Logger
	cfg    Config
	id     string
	now    func() time.Time
}

// NewDispatcher constructs a Dispatcher. rdb may be nil (the Redis nudge
// channel is optional — the poll ticker alone keeps the system live).
func NewDispatcher(store Store, client AgentClient, rdb *redis.Client, logger *slog.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: client,
		rdb:    rdb,
		logger: logger,
		cfg:    cfg,
		id:     dispatcherID(),
		now:    time.Now,
	}
}

// dispatcherID mirrors original_source's "<hostname>:<pid>" format, used
// for delivery lock ownership and debugging.
func dispatcherID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}

// backoffSeconds implements original_source's _backoff_seconds:
// min(300, 2^min(attempt, 8)).
func backoffSeconds(attempt int) int {
	exp := attempt
	if exp > 8 {
		exp = 8
	}
	seconds := int(math.Pow(2, float64(exp)))
	if seconds > 300 {
		return 300
	}
	return seconds
}

const nudgeChannel = "tracegate:dispatch:nudge"

// Nudge publishes to the dispatcher's Redis channel so a waiting replica
// wakes immediately instead of on its next poll tick. Safe to call with a
// nil client (no-op) — the Redis nudge is an optimization, not required
// for correctness.
func Nudge(ctx context.Context, rdb *redis.Client) {
	if rdb == nil {
		return
	}
	rdb.Publish(ctx, nudgeChannel, "1")
}

// Run starts the dispatcher's poll/claim/process loop. It blocks until ctx
// is cancelled, finishing any in-flight deliveries first (graceful
// cancellation per spec.md §4.4).
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "id", d.id, "poll_interval", d.cfg.PollInterval)

	var nudgeCh <-chan *redis.Message
	if d.rdb != nil {
		pubsub := d.rdb.Subscribe(ctx, nudgeChannel)
		defer pubsub.Close()
		nudgeCh = pubsub.Channel()
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped", "id", d.id)
			return nil
		case <-nudgeCh:
			d.tick(ctx)
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	ids, err := d.claim(ctx)
	if err != nil {
		d.logger.Error("claiming deliveries", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	sem := make(chan struct{}, max(1, d.cfg.Concurrency))
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.processDelivery(ctx, id)
		}()
	}
	wg.Wait()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (d *Dispatcher) claim(ctx context.Context) ([]uuid.UUID, error) {
	deliveries, err := d.store.ClaimDeliveries(ctx, d.now(), d.id, d.cfg.BatchSize, d.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("claiming deliveries: %w", err)
	}
	ids := make([]uuid.UUID, len(deliveries))
	for i, dl := range deliveries {
		ids[i] = dl.ID
	}
	return ids, nil
}

// processDelivery reloads the delivery, verifies this dispatcher still
// owns its lease, and attempts to send the event to its target node.
// Mirrors original_source's _process_delivery exactly, including the
// missing-event/node fallback.
func (d *Dispatcher) processDelivery(ctx context.Context, deliveryID uuid.UUID) {
	now := d.now()

	delivery, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		d.logger.Error("reloading delivery", "delivery_id", deliveryID, "error", err)
		return
	}
	if delivery.LockedBy == nil || *delivery.LockedBy != d.id {
		return
	}
	if delivery.LockedUntil != nil && delivery.LockedUntil.Before(now) {
		return
	}

	event, eventErr := d.store.GetEvent(ctx, delivery.EventID)
	node, nodeErr := d.store.GetNode(ctx, delivery.NodeID)
	if eventErr != nil || nodeErr != nil {
		if err := d.store.MarkDeliveryFailed(ctx, delivery.ID, delivery.Attempts+1, now, "missing event or node", true); err != nil {
			d.logger.Error("dead-lettering delivery with missing event/node", "delivery_id", delivery.ID, "error", err)
		}
		return
	}

	var lastError string
	sendErr := d.client.SendEvent(ctx, node, event, d.cfg.AgentToken)
	if sendErr == nil {
		if err := d.store.MarkDeliverySent(ctx, delivery.ID); err != nil {
			d.logger.Error("marking delivery sent", "delivery_id", delivery.ID, "error", err)
			return
		}
	} else {
		lastError = sendErr.Error()
		attempts := delivery.Attempts + 1
		dead := attempts >= d.cfg.MaxAttempts
		nextAttempt := now
		if !dead {
			nextAttempt = now.Add(time.Duration(backoffSeconds(attempts)) * time.Second)
		}
		if err := d.store.MarkDeliveryFailed(ctx, delivery.ID, attempts, nextAttempt, lastError, dead); err != nil {
			d.logger.Error("marking delivery failed", "delivery_id", delivery.ID, "error", err)
			return
		}
		if err := d.store.IncrementEventAttempts(ctx, event.ID); err != nil {
			d.logger.Error("incrementing event attempts", "event_id", event.ID, "error", err)
		}
	}

	if err := d.recomputeEventStatus(ctx, event.ID, lastError); err != nil {
		d.logger.Error("recomputing event status", "event_id", event.ID, "error", err)
	}
}

// recomputeEventStatus implements original_source's _recompute_event_status:
// SENT if every delivery is SENT, FAILED if any delivery is DEAD, else
// PENDING.
func (d *Dispatcher) recomputeEventStatus(ctx context.Context, eventID uuid.UUID, lastError string) error {
	counts, err := d.store.CountDeliveryStatuses(ctx, eventID)
	if err != nil {
		return fmt.Errorf("counting delivery statuses: %w", err)
	}

	total := counts.Pending + counts.Sent + counts.Failed + counts.Dead

	var status db.OutboxEventStatus
	var errPtr *string
	switch {
	case total > 0 && counts.Sent == total:
		status = db.OutboxEventStatusSent
	case counts.Dead > 0:
		status = db.OutboxEventStatusFailed
		if lastError != "" {
			errPtr = &lastError
		}
	default:
		status = db.OutboxEventStatusPending
		if lastError != "" {
			errPtr = &lastError
		}
	}

	return d.store.UpdateEventStatus(ctx, eventID, status, errPtr)
}
