package repository

import (
	"context"

	"github.com/propscope/compliance-service/internal/domain"
)

// IssueRepository persists normalized compliance issues per building.
type IssueRepository interface {
	// ReplaceIssues atomically replaces the stored issue set for a
	// building with the given one.
	ReplaceIssues(ctx context.Context, buildingID string, issues []domain.ComplianceIssue) error

	// ListIssues returns the stored issues for a building.
	ListIssues(ctx context.Context, buildingID string) ([]domain.ComplianceIssue, error)
}

// DeliveryRepository persists undelivered events and dead letters so
// the delivery queue survives a process restart.
type DeliveryRepository interface {
	// SaveDelivery inserts or updates a queued delivery.
	SaveDelivery(ctx context.Context, d domain.QueuedDelivery) error

	// DeleteDelivery removes a delivered item.
	DeleteDelivery(ctx context.Context, id string) error

	// ListDeliveries returns every pending delivery, priority class
	// first, oldest first within a class.
	ListDeliveries(ctx context.Context) ([]domain.QueuedDelivery, error)

	// SaveDeadLetter parks a delivery that exhausted its retries.
	SaveDeadLetter(ctx context.Context, d domain.DeadLetter) error

	// ListDeadLetters returns dead letters, newest first.
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}

// Store bundles the persistence boundary plus lifecycle hooks.
type Store interface {
	IssueRepository
	DeliveryRepository

	// InitSchema creates tables if they do not exist.
	InitSchema(ctx context.Context) error

	// Ping checks the connection.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
