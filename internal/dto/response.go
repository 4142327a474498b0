package dto

import (
	"time"

	"github.com/propscope/compliance-service/internal/domain"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"validation_error"`
	Message string `json:"message,omitempty" example:"building_id is required"`
}

// PublishEventResponse acknowledges an injected event
type PublishEventResponse struct {
	EventID string `json:"event_id" example:"7d5a1c9e"`
	Status  string `json:"status" example:"accepted"`
}

// IssueData represents one compliance issue
type IssueData struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Severity      string     `json:"severity" example:"high"`
	Category      string     `json:"category" example:"housing"`
	Status        string     `json:"status" example:"open"`
	CreatedAt     time.Time  `json:"created_at"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	EstimatedCost *float64   `json:"estimated_cost,omitempty"`
}

// SnapshotResponse represents a building's compliance snapshot
type SnapshotResponse struct {
	BuildingID      string             `json:"building_id"`
	Score           float64            `json:"score" example:"0.67"`
	CategoryScores  map[string]float64 `json:"category_scores"`
	Stale           bool               `json:"stale,omitempty"`
	StaleCategories []string           `json:"stale_categories,omitempty"`
	CapturedAt      time.Time          `json:"captured_at"`
	Issues          []IssueData        `json:"issues"`
}

// AlertData represents the classification attached to an event
type AlertData struct {
	Severity string `json:"severity" example:"critical"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// EventData represents one domain event in a feed
type EventData struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind" example:"new_issue"`
	BuildingID string         `json:"building_id"`
	IssueID    string         `json:"issue_id,omitempty"`
	Severity   string         `json:"severity,omitempty"`
	SourceRole string         `json:"source_role"`
	Payload    map[string]any `json:"payload,omitempty"`
	Alert      *AlertData     `json:"alert,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// FeedResponse represents the recent live history for an audience
type FeedResponse struct {
	Role   string      `json:"role"`
	Events []EventData `json:"events"`
}

// DeadLetterData represents one parked delivery
type DeadLetterData struct {
	ID       string    `json:"id"`
	Event    EventData `json:"event"`
	Audience string    `json:"audience"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

// ConnectivityResponse reports the hub's connectivity state
type ConnectivityResponse struct {
	Online bool `json:"online"`
}

// DeadLettersResponse lists parked deliveries for review
type DeadLettersResponse struct {
	DeadLetters []DeadLetterData `json:"dead_letters"`
}

// FromSnapshot converts a domain snapshot to its API shape.
func FromSnapshot(s domain.ComplianceSnapshot) SnapshotResponse {
	issues := make([]IssueData, 0, len(s.Issues))
	for _, issue := range s.Issues {
		issues = append(issues, IssueData{
			ID:            issue.ID,
			Title:         issue.Title,
			Description:   issue.Description,
			Severity:      issue.Severity.String(),
			Category:      string(issue.Category),
			Status:        string(issue.Status),
			CreatedAt:     issue.CreatedAt,
			DueDate:       issue.DueDate,
			ResolvedAt:    issue.ResolvedAt,
			EstimatedCost: issue.EstimatedCost,
		})
	}

	scores := make(map[string]float64, len(s.CategoryScores))
	for category, score := range s.CategoryScores {
		scores[string(category)] = score
	}

	stale := make([]string, 0, len(s.StaleCategories))
	for _, category := range s.StaleCategories {
		stale = append(stale, string(category))
	}

	return SnapshotResponse{
		BuildingID:      s.BuildingID,
		Score:           s.Score,
		CategoryScores:  scores,
		Stale:           s.Stale,
		StaleCategories: stale,
		CapturedAt:      s.CapturedAt,
		Issues:          issues,
	}
}

// FromEvent converts a domain event to its API shape.
func FromEvent(e domain.DomainEvent) EventData {
	data := EventData{
		ID:         e.ID,
		Kind:       string(e.Kind),
		BuildingID: e.BuildingID,
		IssueID:    e.IssueID,
		SourceRole: string(e.SourceRole),
		Payload:    e.Payload,
		Timestamp:  e.Timestamp,
	}
	if e.Severity != 0 {
		data.Severity = e.Severity.String()
	}
	if e.Alert != nil {
		data.Alert = &AlertData{
			Severity: string(e.Alert.Severity),
			Title:    e.Alert.Title,
			Message:  e.Alert.Message,
		}
	}
	return data
}

// FromDeadLetter converts a parked delivery to its API shape.
func FromDeadLetter(d domain.DeadLetter) DeadLetterData {
	return DeadLetterData{
		ID:       d.ID,
		Event:    FromEvent(d.Event),
		Audience: string(d.Audience),
		Attempts: d.Attempts,
		Reason:   d.Reason,
		FailedAt: d.FailedAt,
	}
}
