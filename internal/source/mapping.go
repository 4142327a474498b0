package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/propscope/compliance-service/internal/domain"
)

// Per-source classification tables. These are data, not control flow:
// every raw value a source is known to emit has an entry, and anything
// outside the table lands in the default bucket (medium / open) so
// normalization never rejects a record.

var severityTables = map[string]map[string]domain.Severity{
	"housing": {
		"class a":               domain.SeverityLow,
		"class b":               domain.SeverityMedium,
		"class c":               domain.SeverityHigh,
		"class i":               domain.SeverityCritical,
		"hazardous":             domain.SeverityCritical,
		"immediately hazardous": domain.SeverityCritical,
		"non-hazardous":         domain.SeverityLow,
	},
	"permits": {
		"info":      domain.SeverityLow,
		"minor":     domain.SeverityLow,
		"standard":  domain.SeverityMedium,
		"expired":   domain.SeverityHigh,
		"stop work": domain.SeverityCritical,
	},
	"sanitation": {
		"routine":  domain.SeverityLow,
		"repeat":   domain.SeverityMedium,
		"serious":  domain.SeverityHigh,
		"critical": domain.SeverityCritical,
	},
	"emissions": {
		"advisory":   domain.SeverityLow,
		"exceedance": domain.SeverityHigh,
		"violation":  domain.SeverityHigh,
		"hazard":     domain.SeverityCritical,
	},
}

var statusTables = map[string]map[string]domain.IssueStatus{
	"housing": {
		"open":      domain.StatusOpen,
		"active":    domain.StatusOpen,
		"pending":   domain.StatusPending,
		"certified": domain.StatusResolved,
		"closed":    domain.StatusClosed,
		"dismissed": domain.StatusClosed,
	},
	"permits": {
		"open":     domain.StatusOpen,
		"issued":   domain.StatusOpen,
		"pending":  domain.StatusPending,
		"renewed":  domain.StatusResolved,
		"resolved": domain.StatusResolved,
		"closed":   domain.StatusClosed,
	},
	"sanitation": {
		"open":      domain.StatusOpen,
		"scheduled": domain.StatusPending,
		"corrected": domain.StatusResolved,
		"closed":    domain.StatusClosed,
	},
	"emissions": {
		"open":       domain.StatusOpen,
		"contested":  domain.StatusPending,
		"abated":     domain.StatusResolved,
		"terminated": domain.StatusClosed,
	},
}

// MapSeverity classifies a raw severity value for a source, defaulting
// to medium for anything outside the table.
func MapSeverity(sourceName, raw string) domain.Severity {
	if table, ok := severityTables[sourceName]; ok {
		if sev, ok := table[strings.ToLower(strings.TrimSpace(raw))]; ok {
			return sev
		}
	}
	return domain.SeverityMedium
}

// MapStatus classifies a raw status value for a source, defaulting to
// open for anything outside the table.
func MapStatus(sourceName, raw string) domain.IssueStatus {
	if table, ok := statusTables[sourceName]; ok {
		if status, ok := table[strings.ToLower(strings.TrimSpace(raw))]; ok {
			return status
		}
	}
	return domain.StatusOpen
}

// IssueID derives a deterministic identifier from the source name and
// the provider's record reference, so re-ingesting the same record
// always maps to the same issue.
func IssueID(sourceName, buildingID, externalID string) string {
	data := fmt.Sprintf("%s|%s|%s", sourceName, buildingID, externalID)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Normalize converts one raw provider record into the shared issue
// model using the source's mapping tables.
func Normalize(adapter Adapter, buildingID string, record RawRecord, now time.Time) domain.ComplianceIssue {
	status := MapStatus(adapter.Name(), record.RawStatus)

	issuedAt := record.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = now
	}

	resolvedAt := record.ResolvedAt
	if resolvedAt != nil {
		// resolvedAt set implies status resolved.
		status = domain.StatusResolved
	}

	title := record.Title
	if title == "" {
		title = fmt.Sprintf("%s finding %s", adapter.Name(), record.ExternalID)
	}

	return domain.ComplianceIssue{
		ID:            IssueID(adapter.Name(), buildingID, record.ExternalID),
		BuildingID:    buildingID,
		Title:         title,
		Description:   record.Description,
		Severity:      MapSeverity(adapter.Name(), record.RawSeverity),
		Category:      adapter.Category(),
		Status:        status,
		CreatedAt:     issuedAt,
		DueDate:       record.DueDate,
		ResolvedAt:    resolvedAt,
		EstimatedCost: record.EstimatedCost,
	}
}
