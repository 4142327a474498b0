package dto

// PublishEventRequest represents an operator-injected event, e.g. a
// worker clock-in or task completion riding the broadcast pipeline.
type PublishEventRequest struct {
	Kind       string         `json:"kind" binding:"required" example:"clock_in"`
	BuildingID string         `json:"building_id" binding:"required" example:"bld_14f"`
	IssueID    string         `json:"issue_id,omitempty" example:"9f2c..."`
	Field      string         `json:"field,omitempty" example:"status"`
	Severity   string         `json:"severity,omitempty" example:"high"`
	SourceRole string         `json:"source_role" binding:"required" example:"worker"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty" example:"1767003600"`
	Remote     bool           `json:"remote,omitempty"`
}

// GetFeedRequest represents a live-history query.
type GetFeedRequest struct {
	Limit int `form:"limit" example:"20"`
}

// ConnectivityRequest toggles the hub's connectivity state. A pointer
// so an explicit false survives binding.
type ConnectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}
