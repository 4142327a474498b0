package domain

import "time"

// Severity orders compliance findings from least to most serious.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Weight returns the scoring weight for a severity.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Category is the fixed regulatory domain vocabulary.
type Category string

const (
	CategoryHousing    Category = "housing"
	CategoryPermits    Category = "permits"
	CategorySanitation Category = "sanitation"
	CategoryEmissions  Category = "emissions"
	CategoryGeneral    Category = "general"
)

// Categories lists every known category in a stable order.
func Categories() []Category {
	return []Category{CategoryHousing, CategoryPermits, CategorySanitation, CategoryEmissions, CategoryGeneral}
}

// IssueStatus tracks the lifecycle of a finding.
type IssueStatus string

const (
	StatusOpen     IssueStatus = "open"
	StatusPending  IssueStatus = "pending"
	StatusResolved IssueStatus = "resolved"
	StatusClosed   IssueStatus = "closed"
)

// ComplianceIssue is one normalized regulatory finding for a building.
// The ID is deterministic per source record so re-ingesting the same
// record never produces a duplicate.
type ComplianceIssue struct {
	ID            string
	BuildingID    string
	Title         string
	Description   string
	Severity      Severity
	Category      Category
	Status        IssueStatus
	CreatedAt     time.Time
	DueDate       *time.Time
	ResolvedAt    *time.Time
	EstimatedCost *float64
}

// IsOpen reports whether the issue still needs attention.
func (i ComplianceIssue) IsOpen() bool {
	return i.Status == StatusOpen || i.Status == StatusPending
}

// Overdue reports whether the issue has a due date in the past and is
// not yet resolved.
func (i ComplianceIssue) Overdue(now time.Time) bool {
	return i.DueDate != nil && i.DueDate.Before(now) && i.Status != StatusResolved
}
