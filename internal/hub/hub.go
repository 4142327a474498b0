package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/propscope/compliance-service/internal/delivery"
	"github.com/propscope/compliance-service/internal/domain"
)

// Subscription is a live registration with the hub. Events arrive on
// the channel in publish order; the hub never blocks on a slow
// subscriber, it hands the event to the delivery queue instead.
type Subscription struct {
	ID        string
	Role      domain.Role
	CreatedAt time.Time
	ch        chan domain.DomainEvent
}

// Events returns the subscriber's event stream.
func (s *Subscription) Events() <-chan domain.DomainEvent {
	return s.ch
}

// Config tunes the hub.
type Config struct {
	// HistoryCapacity bounds the per-audience live feed buffer.
	HistoryCapacity int
	// SubscriberBuffer is the default channel depth per subscriber.
	SubscriberBuffer int
}

// Hub is the central broadcast registry. Every state-change event in
// the system flows through Publish, whether emitted by the change
// detector or injected directly by an operator action.
type Hub struct {
	mu      sync.Mutex
	subs    map[domain.Role][]*Subscription
	history map[domain.Role]*historyRing
	// lastWrite tracks the newest event timestamp per issue field for
	// last-writer-wins checks on remote-origin events.
	lastWrite map[string]map[string]time.Time
	online    bool
	queue     *delivery.Queue
	clock     clockwork.Clock
	config    Config
	log       *zap.Logger
}

// New creates a hub in the online state. The queue receives every
// event that cannot be delivered live.
func New(queue *delivery.Queue, clock clockwork.Clock, config Config, log *zap.Logger) *Hub {
	h := &Hub{
		subs:      make(map[domain.Role][]*Subscription),
		history:   make(map[domain.Role]*historyRing),
		lastWrite: make(map[string]map[string]time.Time),
		online:    true,
		queue:     queue,
		clock:     clock,
		config:    config,
		log:       log,
	}
	queue.OnDeadLetter(h.handleDeadLetter)
	return h
}

// Subscribe registers a subscriber for an audience role.
func (h *Hub) Subscribe(role domain.Role) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		Role:      role,
		CreatedAt: h.clock.Now(),
		ch:        make(chan domain.DomainEvent, h.config.SubscriberBuffer),
	}

	h.mu.Lock()
	h.subs[role] = append(h.subs[role], sub)
	h.mu.Unlock()

	h.log.Info("Subscriber registered",
		zap.String("subscription_id", sub.ID),
		zap.String("role", string(role)))
	return sub
}

// Unsubscribe removes a registration and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[sub.Role]
	for i, s := range subs {
		if s.ID == sub.ID {
			h.subs[sub.Role] = append(subs[:i], subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// SetOnline flips connectivity state. Coming back online drains the
// delivery queue.
func (h *Hub) SetOnline(ctx context.Context, online bool) {
	h.mu.Lock()
	changed := h.online != online
	h.online = online
	h.mu.Unlock()

	if !changed {
		return
	}
	h.log.Info("Connectivity changed", zap.Bool("online", online))
	if online {
		h.queue.Drain(ctx, h.deliverAndRecord)
	}
}

// Online reports current connectivity state.
func (h *Hub) Online() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

// DrainQueue runs one delivery pass for retry-eligible queued items.
func (h *Hub) DrainQueue(ctx context.Context) delivery.Stats {
	if !h.Online() {
		return delivery.Stats{}
	}
	return h.queue.Drain(ctx, h.deliverAndRecord)
}

// Publish distributes an event to every matching subscriber and queues
// it for any audience it could not reach. An event enters an audience's
// history feed only once it has actually been delivered there, so the
// live feed never shows events still pending or dead-lettered.
// Remote-origin events pass a last-writer-wins check first and may be
// discarded.
func (h *Hub) Publish(ctx context.Context, event domain.DomainEvent) {
	if !h.admitWrite(event) {
		h.log.Info("Discarded stale remote event",
			zap.String("event_id", event.ID),
			zap.String("issue_id", event.IssueID),
			zap.String("field", event.Field))
		return
	}

	for _, audience := range audiencesFor(event) {
		if !h.Online() {
			if err := h.queue.Enqueue(ctx, event, audience); err != nil {
				h.log.Error("Failed to enqueue event", zap.Error(err))
			}
			continue
		}

		if err := h.deliverAndRecord(event, audience); err != nil {
			if err := h.queue.Enqueue(ctx, event, audience); err != nil {
				h.log.Error("Failed to enqueue event", zap.Error(err))
			}
		}
	}
}

// History returns up to limit recent events for an audience, oldest
// first.
func (h *Hub) History(role domain.Role, limit int) []domain.DomainEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring, ok := h.history[role]
	if !ok {
		return nil
	}
	return ring.recent(limit)
}

// admitWrite applies the per-field last-writer-wins contract. Local
// events always win admission and advance the field clock; a remote
// event older than the recorded write for the same issue field is
// discarded.
func (h *Hub) admitWrite(event domain.DomainEvent) bool {
	if event.IssueID == "" || event.Field == "" {
		return true
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	fields, ok := h.lastWrite[event.IssueID]
	if !ok {
		fields = make(map[string]time.Time)
		h.lastWrite[event.IssueID] = fields
	}

	if last, ok := fields[event.Field]; ok && event.Remote && !event.Timestamp.After(last) {
		return false
	}
	if event.Timestamp.After(fields[event.Field]) {
		fields[event.Field] = event.Timestamp
	}
	return true
}

// deliverLive sends to every current subscriber of the audience in
// registration order. It fails when the audience has no subscribers or
// a subscriber's buffer is full.
func (h *Hub) deliverLive(event domain.DomainEvent, audience domain.Role) error {
	h.mu.Lock()
	subs := make([]*Subscription, len(h.subs[audience]))
	copy(subs, h.subs[audience])
	h.mu.Unlock()

	if len(subs) == 0 {
		return fmt.Errorf("no %s subscribers", audience)
	}

	var failed int
	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			failed++
			h.log.Warn("Subscriber buffer full",
				zap.String("subscription_id", sub.ID),
				zap.String("event_id", event.ID))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d %s subscribers unreachable", failed, len(subs), audience)
	}
	return nil
}

// deliverAndRecord hands an event to an audience and, on success, lands
// it in that audience's history feed. Used for both first deliveries
// and queue drains.
func (h *Hub) deliverAndRecord(event domain.DomainEvent, audience domain.Role) error {
	if err := h.deliverLive(event, audience); err != nil {
		return err
	}
	h.appendHistory(audience, event)
	return nil
}

func (h *Hub) appendHistory(role domain.Role, event domain.DomainEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring, ok := h.history[role]
	if !ok {
		ring = newHistoryRing(h.config.HistoryCapacity)
		h.history[role] = ring
	}
	ring.append(event)
}

// handleDeadLetter surfaces an exhausted delivery to admins as a
// degraded-delivery alert. Degraded alerts themselves never spawn
// another one.
func (h *Hub) handleDeadLetter(letter domain.DeadLetter) {
	if letter.Event.Kind == domain.EventDeliveryDegraded {
		return
	}

	event := domain.NewEvent(domain.EventDeliveryDegraded, letter.Event.BuildingID, domain.RoleSystem, h.clock.Now())
	event.Payload = map[string]any{
		"dead_letter_id": letter.ID,
		"original_kind":  string(letter.Event.Kind),
		"attempts":       letter.Attempts,
		"reason":         letter.Reason,
	}
	event.Alert = &domain.Alert{
		Severity: domain.AlertHigh,
		Title:    "Delivery degraded",
		Message:  fmt.Sprintf("A %s event for %s audience exhausted its retries: %s", letter.Event.Kind, letter.Audience, letter.Reason),
	}

	h.Publish(context.Background(), event)
}

// audiencesFor routes an event to its compatible audiences. Delivery
// degradation is admin-only; everything else reaches every dashboard.
func audiencesFor(event domain.DomainEvent) []domain.Role {
	if event.Kind == domain.EventDeliveryDegraded {
		return []domain.Role{domain.RoleAdmin}
	}
	return []domain.Role{domain.RoleWorker, domain.RoleAdmin, domain.RoleClient}
}
