package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/propscope/compliance-service/internal/domain"
	"github.com/propscope/compliance-service/internal/repository"
)

// Config tunes retry behavior per priority class.
type Config struct {
	// BackoffBase is the first retry delay, doubling per attempt.
	BackoffBase time.Duration
	// BackoffCap bounds the retry delay.
	BackoffCap time.Duration
	// MaxAttempts per priority class. Urgent gets a high cap rather
	// than a truly unlimited budget so a poisoned item still parks.
	MaxAttempts map[domain.Priority]int
}

// DefaultMaxAttempts returns the per-class retry budget.
func DefaultMaxAttempts() map[domain.Priority]int {
	return map[domain.Priority]int{
		domain.PriorityUrgent: 100,
		domain.PriorityHigh:   8,
		domain.PriorityNormal: 5,
		domain.PriorityLow:    3,
	}
}

// DeliverFunc attempts to hand one event to its audience. A non-nil
// error leaves the item queued for a later retry.
type DeliverFunc func(event domain.DomainEvent, audience domain.Role) error

// Queue holds undelivered events with priority-aware retry. All state
// changes are written through to the repository, so the queue survives
// a restart. Draining goes urgent before high before normal before
// low, oldest first within a class; one item's failure never blocks
// the rest.
type Queue struct {
	mu           sync.Mutex
	drainMu      sync.Mutex
	items        map[string]domain.QueuedDelivery
	repo         repository.DeliveryRepository
	clock        clockwork.Clock
	config       Config
	onDeadLetter func(domain.DeadLetter)
	log          *zap.Logger
}

// NewQueue creates an empty delivery queue. Call Load to restore
// persisted items from a previous run.
func NewQueue(repo repository.DeliveryRepository, clock clockwork.Clock, config Config, log *zap.Logger) *Queue {
	if config.MaxAttempts == nil {
		config.MaxAttempts = DefaultMaxAttempts()
	}
	return &Queue{
		items:  make(map[string]domain.QueuedDelivery),
		repo:   repo,
		clock:  clock,
		config: config,
		log:    log,
	}
}

// OnDeadLetter registers a callback invoked after an item is parked.
func (q *Queue) OnDeadLetter(fn func(domain.DeadLetter)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDeadLetter = fn
}

// Load restores pending deliveries persisted by a previous process.
func (q *Queue) Load(ctx context.Context) error {
	pending, err := q.repo.ListDeliveries(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range pending {
		q.items[d.ID] = d
	}

	if len(pending) > 0 {
		q.log.Info("Restored queued deliveries", zap.Int("count", len(pending)))
	}
	return nil
}

// Enqueue queues an event for later delivery to an audience. The first
// delivery attempt is eligible immediately.
func (q *Queue) Enqueue(ctx context.Context, event domain.DomainEvent, audience domain.Role) error {
	priority := event.DeliveryPriority()
	d := domain.QueuedDelivery{
		ID:          uuid.NewString(),
		Event:       event,
		Audience:    audience,
		Priority:    priority,
		Attempts:    0,
		MaxAttempts: q.config.MaxAttempts[priority],
		NextRetryAt: q.clock.Now(),
		EnqueuedAt:  q.clock.Now(),
	}

	if err := q.repo.SaveDelivery(ctx, d); err != nil {
		q.log.Error("Failed to persist queued delivery",
			zap.String("event_id", event.ID),
			zap.Error(err))
		// Keep the item in memory regardless; dropping it would break
		// at-least-once delivery for this process lifetime.
	}

	q.mu.Lock()
	q.items[d.ID] = d
	q.mu.Unlock()

	q.log.Info("Event queued for delivery",
		zap.String("event_id", event.ID),
		zap.String("kind", string(event.Kind)),
		zap.String("priority", priority.String()),
		zap.String("audience", string(audience)))
	return nil
}

// Pending returns the number of undelivered items.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats summarizes one drain pass.
type Stats struct {
	Delivered   int
	Retried     int
	DeadLetters int
}

// Drain attempts delivery of every eligible item in priority-then-age
// order. Items whose retry time has not arrived are skipped. Passes are
// serialized: an item is attempted at most once per eligible window
// even when a reconnect drain races the periodic one.
func (q *Queue) Drain(ctx context.Context, deliver DeliverFunc) Stats {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	now := q.clock.Now()

	q.mu.Lock()
	eligible := make([]domain.QueuedDelivery, 0, len(q.items))
	for _, d := range q.items {
		if !d.NextRetryAt.After(now) {
			eligible = append(eligible, d)
		}
	}
	q.mu.Unlock()

	sort.SliceStable(eligible, func(a, b int) bool {
		if eligible[a].Priority != eligible[b].Priority {
			return eligible[a].Priority < eligible[b].Priority
		}
		return eligible[a].EnqueuedAt.Before(eligible[b].EnqueuedAt)
	})

	var stats Stats
	for _, d := range eligible {
		if err := deliver(d.Event, d.Audience); err != nil {
			if q.recordFailure(ctx, d, err) {
				stats.DeadLetters++
			} else {
				stats.Retried++
			}
			continue
		}

		q.mu.Lock()
		delete(q.items, d.ID)
		q.mu.Unlock()
		if err := q.repo.DeleteDelivery(ctx, d.ID); err != nil {
			q.log.Error("Failed to remove delivered item", zap.String("id", d.ID), zap.Error(err))
		}
		stats.Delivered++
	}

	if stats.Delivered+stats.Retried+stats.DeadLetters > 0 {
		q.log.Info("Drain pass complete",
			zap.Int("delivered", stats.Delivered),
			zap.Int("retried", stats.Retried),
			zap.Int("dead_letters", stats.DeadLetters))
	}
	return stats
}

// recordFailure bumps the retry state and reports whether the item was
// promoted to a dead letter.
func (q *Queue) recordFailure(ctx context.Context, d domain.QueuedDelivery, cause error) bool {
	d.Attempts++

	if d.Attempts >= d.MaxAttempts {
		q.mu.Lock()
		delete(q.items, d.ID)
		onDeadLetter := q.onDeadLetter
		q.mu.Unlock()

		letter := domain.DeadLetter{
			ID:       d.ID,
			Event:    d.Event,
			Audience: d.Audience,
			Attempts: d.Attempts,
			Reason:   cause.Error(),
			FailedAt: q.clock.Now(),
		}
		if err := q.repo.DeleteDelivery(ctx, d.ID); err != nil {
			q.log.Error("Failed to remove exhausted delivery", zap.String("id", d.ID), zap.Error(err))
		}
		if err := q.repo.SaveDeadLetter(ctx, letter); err != nil {
			q.log.Error("Failed to persist dead letter", zap.String("id", d.ID), zap.Error(err))
		}

		q.log.Warn("Delivery moved to dead letter",
			zap.String("event_id", d.Event.ID),
			zap.String("kind", string(d.Event.Kind)),
			zap.Int("attempts", d.Attempts),
			zap.Error(cause))

		if onDeadLetter != nil {
			onDeadLetter(letter)
		}
		return true
	}

	d.NextRetryAt = q.clock.Now().Add(q.backoff(d.Attempts))

	q.mu.Lock()
	q.items[d.ID] = d
	q.mu.Unlock()
	if err := q.repo.SaveDelivery(ctx, d); err != nil {
		q.log.Error("Failed to persist retry state", zap.String("id", d.ID), zap.Error(err))
	}
	return false
}

// backoff doubles the base delay per attempt, capped.
func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.config.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.config.BackoffCap {
			return q.config.BackoffCap
		}
	}
	if delay > q.config.BackoffCap {
		return q.config.BackoffCap
	}
	return delay
}
