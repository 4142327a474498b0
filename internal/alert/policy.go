package alert

import (
	"fmt"
	"time"

	"github.com/propscope/compliance-service/internal/domain"
)

// Classify maps a domain event plus the building's current snapshot to
// exactly one alert. Unmapped event kinds degrade to an informational
// alert rather than being dropped. Pure: no I/O, no mutation.
func Classify(event domain.DomainEvent, snapshot domain.ComplianceSnapshot) domain.Alert {
	switch event.Kind {
	case domain.EventNewIssue:
		return classifyNewIssue(event, snapshot)

	case domain.EventScoreCrossedThreshold:
		if declining(event) {
			return domain.Alert{
				Severity: domain.AlertHigh,
				Title:    "Compliance score dropped",
				Message:  fmt.Sprintf("Building %s compliance score fell to %.2f, below the critical threshold", event.BuildingID, snapshot.Score),
			}
		}
		return domain.Alert{
			Severity: domain.AlertLow,
			Title:    "Compliance score recovered",
			Message:  fmt.Sprintf("Building %s compliance score recovered to %.2f", event.BuildingID, snapshot.Score),
		}

	case domain.EventInspectionOverdue:
		return classifyOverdue(event, snapshot)

	case domain.EventIssueResolved:
		return domain.Alert{
			Severity: domain.AlertLow,
			Title:    "Issue resolved",
			Message:  fmt.Sprintf("An issue at building %s was resolved", event.BuildingID),
		}

	default:
		return domain.Alert{
			Severity: domain.AlertLow,
			Title:    "State change",
			Message:  fmt.Sprintf("Building %s: %s", event.BuildingID, event.Kind),
		}
	}
}

func classifyNewIssue(event domain.DomainEvent, snapshot domain.ComplianceSnapshot) domain.Alert {
	issue, found := findIssue(snapshot, event.IssueID)

	severity := domain.AlertMedium
	if event.Severity == domain.SeverityCritical {
		severity = domain.AlertCritical
	} else if event.Severity == domain.SeverityHigh {
		severity = domain.AlertHigh
	}

	message := fmt.Sprintf("New %s issue at building %s", event.Severity, event.BuildingID)
	if found {
		message = fmt.Sprintf("New %s %s issue at building %s: %s", event.Severity, issue.Category, event.BuildingID, issue.Title)
		if issue.DueDate != nil {
			message += fmt.Sprintf(" (due %s)", issue.DueDate.Format("2006-01-02"))
		}
	}

	return domain.Alert{
		Severity: severity,
		Title:    "New compliance issue",
		Message:  message,
	}
}

func classifyOverdue(event domain.DomainEvent, snapshot domain.ComplianceSnapshot) domain.Alert {
	message := fmt.Sprintf("Inspection overdue at building %s", event.BuildingID)
	if issue, found := findIssue(snapshot, event.IssueID); found && issue.DueDate != nil {
		days := int(event.Timestamp.Sub(*issue.DueDate) / (24 * time.Hour))
		if days < 1 {
			days = 1
		}
		message = fmt.Sprintf("%q at building %s is %d day(s) overdue", issue.Title, event.BuildingID, days)
	}

	return domain.Alert{
		Severity: domain.AlertHigh,
		Title:    "Inspection overdue",
		Message:  message,
	}
}

func declining(event domain.DomainEvent) bool {
	direction, _ := event.Payload["direction"].(string)
	return direction == "declining"
}

func findIssue(snapshot domain.ComplianceSnapshot, issueID string) (domain.ComplianceIssue, bool) {
	if issueID == "" {
		return domain.ComplianceIssue{}, false
	}
	for _, issue := range snapshot.Issues {
		if issue.ID == issueID {
			return issue, true
		}
	}
	return domain.ComplianceIssue{}, false
}
