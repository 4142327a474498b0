package detect

import (
	"github.com/propscope/compliance-service/internal/domain"
)

// diffSnapshots compares two consecutive snapshots for a building and
// returns one event per change. Every added or removed issue ID is
// accounted for; threshold crossings are reported in both directions.
func diffSnapshots(prev, curr domain.ComplianceSnapshot, threshold float64) []domain.DomainEvent {
	var events []domain.DomainEvent

	prevIssues := prev.IssueIDs()
	currIssues := curr.IssueIDs()

	for _, issue := range curr.Issues {
		if _, existed := prevIssues[issue.ID]; existed {
			continue
		}
		event := domain.NewEvent(domain.EventNewIssue, curr.BuildingID, domain.RoleSystem, curr.CapturedAt)
		event.IssueID = issue.ID
		event.Field = "status"
		event.Severity = issue.Severity
		event.Payload = map[string]any{
			"title":    issue.Title,
			"category": string(issue.Category),
		}
		events = append(events, event)
	}

	for _, issue := range prev.Issues {
		if _, stillOpen := currIssues[issue.ID]; stillOpen {
			continue
		}
		event := domain.NewEvent(domain.EventIssueResolved, curr.BuildingID, domain.RoleSystem, curr.CapturedAt)
		event.IssueID = issue.ID
		event.Field = "status"
		event.Severity = issue.Severity
		event.Payload = map[string]any{
			"title":    issue.Title,
			"category": string(issue.Category),
		}
		events = append(events, event)
	}

	if crossed, direction := thresholdCrossing(prev.Score, curr.Score, threshold); crossed {
		event := domain.NewEvent(domain.EventScoreCrossedThreshold, curr.BuildingID, domain.RoleSystem, curr.CapturedAt)
		event.Severity = domain.SeverityHigh
		if direction == "recovering" {
			event.Severity = domain.SeverityLow
		}
		event.Payload = map[string]any{
			"direction":      direction,
			"previous_score": prev.Score,
			"current_score":  curr.Score,
			"threshold":      threshold,
		}
		events = append(events, event)
	}

	for _, issue := range curr.Issues {
		if !newlyOverdue(issue, prev, curr) {
			continue
		}
		event := domain.NewEvent(domain.EventInspectionOverdue, curr.BuildingID, domain.RoleSystem, curr.CapturedAt)
		event.IssueID = issue.ID
		event.Severity = issue.Severity
		event.Payload = map[string]any{
			"title":    issue.Title,
			"due_date": issue.DueDate,
		}
		events = append(events, event)
	}

	return events
}

func thresholdCrossing(prevScore, currScore, threshold float64) (bool, string) {
	if prevScore >= threshold && currScore < threshold {
		return true, "declining"
	}
	if prevScore < threshold && currScore >= threshold {
		return true, "recovering"
	}
	return false, ""
}

// newlyOverdue reports whether the issue's due date passed between the
// two captures, so the event fires exactly once.
func newlyOverdue(issue domain.ComplianceIssue, prev, curr domain.ComplianceSnapshot) bool {
	if !issue.Overdue(curr.CapturedAt) {
		return false
	}
	return issue.DueDate.After(prev.CapturedAt)
}
