package source

import (
	"context"
	"fmt"
	"time"

	"github.com/propscope/compliance-service/internal/domain"
)

// Adapter fetches raw regulatory records for one building from one
// external data source. Implementations live at the network boundary
// and are consumed only through the mapping tables in this package.
type Adapter interface {
	// Name identifies the source in issue IDs and logs.
	Name() string

	// Category is the regulatory domain this source covers.
	Category() domain.Category

	// Fetch returns the raw records for a building key, or an
	// *AdapterError describing why the source is unavailable.
	Fetch(ctx context.Context, buildingKey string) ([]RawRecord, error)
}

// ErrorKind distinguishes adapter failure modes.
type ErrorKind string

const (
	ErrTimeout     ErrorKind = "timeout"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrNotFound    ErrorKind = "not_found"
	ErrUnknown     ErrorKind = "unknown"
)

// AdapterError is a typed failure from a source adapter.
type AdapterError struct {
	Source string
	Kind   ErrorKind
	Err    error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s: %s: %v", e.Source, e.Kind, e.Err)
	}
	return fmt.Sprintf("source %s: %s", e.Source, e.Kind)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth retrying. A missing
// building will not appear on a retry.
func (e *AdapterError) Retryable() bool {
	return e.Kind != ErrNotFound
}

// RawRecord is one provider record before normalization. Known fields
// are lifted into the struct; anything the provider sends beyond them
// is preserved in Extra so unrecognized data never silently vanishes.
type RawRecord struct {
	ExternalID    string
	Title         string
	Description   string
	RawSeverity   string
	RawStatus     string
	IssuedAt      time.Time
	DueDate       *time.Time
	ResolvedAt    *time.Time
	EstimatedCost *float64
	Extra         map[string]any
}
