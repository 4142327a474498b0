package domain

import (
	"sort"
	"time"
)

// ComplianceSnapshot is the materialized compliance view for one
// building at one point in time. Snapshots are immutable: every
// ingestion cycle produces a new value, so diffing previous against
// current is race-free.
type ComplianceSnapshot struct {
	BuildingID      string
	Issues          []ComplianceIssue
	Score           float64
	CategoryScores  map[Category]float64
	StaleCategories []Category
	Stale           bool
	CapturedAt      time.Time
}

// NewSnapshot assembles a snapshot from open issues, ordered by
// severity (most serious first) then age.
func NewSnapshot(buildingID string, issues []ComplianceIssue, score float64, byCategory map[Category]float64, stale []Category, capturedAt time.Time) ComplianceSnapshot {
	ordered := make([]ComplianceIssue, len(issues))
	copy(ordered, issues)
	sort.SliceStable(ordered, func(a, b int) bool {
		if ordered[a].Severity != ordered[b].Severity {
			return ordered[a].Severity > ordered[b].Severity
		}
		return ordered[a].CreatedAt.Before(ordered[b].CreatedAt)
	})

	scores := make(map[Category]float64, len(byCategory))
	for k, v := range byCategory {
		scores[k] = v
	}

	staleCopy := make([]Category, len(stale))
	copy(staleCopy, stale)

	return ComplianceSnapshot{
		BuildingID:      buildingID,
		Issues:          ordered,
		Score:           score,
		CategoryScores:  scores,
		StaleCategories: staleCopy,
		CapturedAt:      capturedAt,
	}
}

// MarkStale returns a copy flagged as served from cache.
func (s ComplianceSnapshot) MarkStale() ComplianceSnapshot {
	s.Stale = true
	return s
}

// IssueIDs returns the identifiers of the snapshot's issues.
func (s ComplianceSnapshot) IssueIDs() map[string]ComplianceIssue {
	ids := make(map[string]ComplianceIssue, len(s.Issues))
	for _, issue := range s.Issues {
		ids[issue.ID] = issue
	}
	return ids
}
