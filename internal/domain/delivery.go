package domain

import "time"

// QueuedDelivery is a domain event awaiting delivery to an audience,
// with its retry bookkeeping. Created when live delivery is not
// possible; destroyed on success or promoted to a DeadLetter after the
// retry budget runs out.
type QueuedDelivery struct {
	ID          string
	Event       DomainEvent
	Audience    Role
	Priority    Priority
	Attempts    int
	MaxAttempts int
	NextRetryAt time.Time
	EnqueuedAt  time.Time
}

// DeadLetter records a delivery that exhausted its retries. Parked for
// administrative review, never silently dropped.
type DeadLetter struct {
	ID       string
	Event    DomainEvent
	Audience Role
	Attempts int
	Reason   string
	FailedAt time.Time
}
