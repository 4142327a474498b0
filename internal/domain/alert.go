package domain

// AlertSeverity classifies how urgently an alert needs attention.
type AlertSeverity string

const (
	AlertLow      AlertSeverity = "low"
	AlertMedium   AlertSeverity = "medium"
	AlertHigh     AlertSeverity = "high"
	AlertCritical AlertSeverity = "critical"
)

// Alert is the human-facing classification of a domain event.
type Alert struct {
	Severity AlertSeverity
	Title    string
	Message  string
}
