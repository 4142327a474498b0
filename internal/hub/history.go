package hub

import "github.com/propscope/compliance-service/internal/domain"

// historyRing is a bounded FIFO buffer of recent events for one
// audience. When full, the oldest event is dropped first.
type historyRing struct {
	events   []domain.DomainEvent
	capacity int
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{capacity: capacity}
}

func (r *historyRing) append(event domain.DomainEvent) {
	if r.capacity <= 0 {
		return
	}
	if len(r.events) == r.capacity {
		copy(r.events, r.events[1:])
		r.events = r.events[:r.capacity-1]
	}
	r.events = append(r.events, event)
}

// recent returns up to limit events, oldest first. limit <= 0 means
// everything buffered.
func (r *historyRing) recent(limit int) []domain.DomainEvent {
	n := len(r.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.DomainEvent, n)
	copy(out, r.events[len(r.events)-n:])
	return out
}
