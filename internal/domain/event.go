package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind tags the type of state change a DomainEvent describes.
type EventKind string

const (
	EventNewIssue              EventKind = "new_issue"
	EventIssueResolved         EventKind = "issue_resolved"
	EventScoreCrossedThreshold EventKind = "score_crossed_threshold"
	EventInspectionOverdue     EventKind = "inspection_overdue"
	EventGenericStateChange    EventKind = "generic_state_change"
	EventClockIn               EventKind = "clock_in"
	EventClockOut              EventKind = "clock_out"
	EventTaskCompleted         EventKind = "task_completed"
	EventConnectivityChanged   EventKind = "connectivity_changed"
	EventDeliveryDegraded      EventKind = "delivery_degraded"
)

// Role identifies the audience or origin of an event.
type Role string

const (
	RoleWorker Role = "worker"
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
	RoleSystem Role = "system"
)

// Priority is the delivery ordering class. Lower value drains first.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// DomainEvent is a typed notification of a state change flowing through
// the sync hub. Payload is opaque structured data owned by the emitter.
type DomainEvent struct {
	ID         string
	Kind       EventKind
	BuildingID string
	IssueID    string
	// Field names the issue attribute this event writes, used for
	// per-field last-writer-wins conflict checks on remote events.
	Field      string
	Severity   Severity
	SourceRole Role
	Payload    map[string]any
	Alert      *Alert
	Timestamp  time.Time
	Remote     bool
}

// NewEvent creates a locally originated event with a fresh identifier.
func NewEvent(kind EventKind, buildingID string, sourceRole Role, ts time.Time) DomainEvent {
	return DomainEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		BuildingID: buildingID,
		SourceRole: sourceRole,
		Timestamp:  ts,
	}
}

// DeliveryPriority derives the queue class from the event kind.
// Connectivity and clock events plus critical alerts are urgent;
// completion and score changes are high; routine updates are normal.
func (e DomainEvent) DeliveryPriority() Priority {
	switch e.Kind {
	case EventConnectivityChanged, EventClockIn, EventClockOut, EventDeliveryDegraded:
		return PriorityUrgent
	case EventNewIssue, EventInspectionOverdue:
		if e.Severity == SeverityCritical {
			return PriorityUrgent
		}
		return PriorityHigh
	case EventTaskCompleted, EventScoreCrossedThreshold:
		return PriorityHigh
	case EventIssueResolved, EventGenericStateChange:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
