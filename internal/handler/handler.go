package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/propscope/compliance-service/internal/domain"
	"github.com/propscope/compliance-service/internal/dto"
	"github.com/propscope/compliance-service/internal/hub"
)

// ComplianceReader serves snapshot queries.
type ComplianceReader interface {
	// Cached returns the freshest available snapshot for a building.
	Cached(buildingID string) (domain.ComplianceSnapshot, bool)

	// Refresh runs a full ingest-and-diff cycle for a building.
	Refresh(ctx context.Context, buildingID string) (domain.ComplianceSnapshot, error)
}

// Broadcaster is the hub surface the API needs.
type Broadcaster interface {
	Publish(ctx context.Context, event domain.DomainEvent)
	Subscribe(role domain.Role) *hub.Subscription
	Unsubscribe(sub *hub.Subscription)
	History(role domain.Role, limit int) []domain.DomainEvent
	SetOnline(ctx context.Context, online bool)
	Online() bool
}

// DeadLetterLister exposes parked deliveries for review.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}

type Handler struct {
	compliance  ComplianceReader
	broadcaster Broadcaster
	deadLetters DeadLetterLister
	clock       clockwork.Clock
	router      *gin.Engine
	log         *zap.Logger
}

func NewHandler(compliance ComplianceReader, broadcaster Broadcaster, deadLetters DeadLetterLister, clock clockwork.Clock, log *zap.Logger) *Handler {
	h := &Handler{
		compliance:  compliance,
		broadcaster: broadcaster,
		deadLetters: deadLetters,
		clock:       clock,
		router:      gin.Default(),
		log:         log,
	}

	h.registerRoutes()

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/health", h.healthCheck)
	h.router.GET("/buildings/:id/snapshot", h.getSnapshot)
	h.router.POST("/buildings/:id/refresh", h.refreshBuilding)
	h.router.GET("/feed/:role", h.getFeed)
	h.router.GET("/stream/:role", h.streamEvents)
	h.router.POST("/events", h.publishEvent)
	h.router.POST("/connectivity", h.setConnectivity)
	h.router.GET("/deadletters", h.getDeadLetters)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// getSnapshot handles GET /buildings/:id/snapshot
func (h *Handler) getSnapshot(c *gin.Context) {
	buildingID := c.Param("id")

	snapshot, ok := h.compliance.Cached(buildingID)
	if !ok {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			Error:   "not_found",
			Message: "no snapshot for building " + buildingID,
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromSnapshot(snapshot))
}

// refreshBuilding handles POST /buildings/:id/refresh. A refresh that
// races the scheduled poll joins the in-flight cycle.
func (h *Handler) refreshBuilding(c *gin.Context) {
	buildingID := c.Param("id")

	snapshot, err := h.compliance.Refresh(c.Request.Context(), buildingID)
	if err != nil {
		h.log.Warn("Manual refresh failed",
			zap.String("building_id", buildingID),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{
			Error:   "sources_unavailable",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromSnapshot(snapshot))
}

// getFeed handles GET /feed/:role
func (h *Handler) getFeed(c *gin.Context) {
	role, ok := parseAudience(c.Param("role"))
	if !ok {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: "unknown audience: " + c.Param("role"),
		})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{
				Error:   "validation_error",
				Message: "limit must be a non-negative integer",
			})
			return
		}
		limit = parsed
	}

	events := h.broadcaster.History(role, limit)
	response := dto.FeedResponse{
		Role:   string(role),
		Events: make([]dto.EventData, 0, len(events)),
	}
	for _, event := range events {
		response.Events = append(response.Events, dto.FromEvent(event))
	}

	c.JSON(http.StatusOK, response)
}

// streamEvents handles GET /stream/:role as a server-sent event feed.
func (h *Handler) streamEvents(c *gin.Context) {
	role, ok := parseAudience(c.Param("role"))
	if !ok {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: "unknown audience: " + c.Param("role"),
		})
		return
	}

	sub := h.broadcaster.Subscribe(role)
	defer h.broadcaster.Unsubscribe(sub)

	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-sub.Events():
			if !open {
				return false
			}
			c.SSEvent("event", dto.FromEvent(event))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// publishEvent handles POST /events: operator-facing event injection.
// Task completions and clock-in/out ride the same broadcast and queue
// infrastructure as compliance events.
func (h *Handler) publishEvent(c *gin.Context) {
	var req dto.PublishEventRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid event request", zap.Error(err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	role, ok := parseRole(req.SourceRole)
	if !ok {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: "unknown source_role: " + req.SourceRole,
		})
		return
	}

	ts := h.clock.Now()
	if req.Timestamp > 0 {
		ts = time.Unix(req.Timestamp, 0)
	}

	event := domain.NewEvent(domain.EventKind(req.Kind), req.BuildingID, role, ts)
	event.IssueID = req.IssueID
	event.Field = req.Field
	event.Severity = parseSeverity(req.Severity)
	event.Payload = req.Payload
	event.Remote = req.Remote

	h.broadcaster.Publish(c.Request.Context(), event)

	c.JSON(http.StatusAccepted, dto.PublishEventResponse{
		EventID: event.ID,
		Status:  "accepted",
	})
}

// setConnectivity handles POST /connectivity. Going offline routes
// subsequent events through the queue; coming back online drains it.
func (h *Handler) setConnectivity(c *gin.Context) {
	var req dto.ConnectivityRequest

	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: "online must be a boolean",
		})
		return
	}

	h.broadcaster.SetOnline(c.Request.Context(), *req.Online)

	event := domain.NewEvent(domain.EventConnectivityChanged, "", domain.RoleSystem, h.clock.Now())
	event.Payload = map[string]any{"online": *req.Online}
	h.broadcaster.Publish(c.Request.Context(), event)

	c.JSON(http.StatusOK, dto.ConnectivityResponse{Online: h.broadcaster.Online()})
}

// getDeadLetters handles GET /deadletters
func (h *Handler) getDeadLetters(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	letters, err := h.deadLetters.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("Failed to list dead letters", zap.Error(err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error:   "internal_error",
			Message: "failed to list dead letters",
		})
		return
	}

	response := dto.DeadLettersResponse{DeadLetters: make([]dto.DeadLetterData, 0, len(letters))}
	for _, letter := range letters {
		response.DeadLetters = append(response.DeadLetters, dto.FromDeadLetter(letter))
	}

	c.JSON(http.StatusOK, response)
}

func parseRole(raw string) (domain.Role, bool) {
	switch domain.Role(raw) {
	case domain.RoleWorker, domain.RoleAdmin, domain.RoleClient, domain.RoleSystem:
		return domain.Role(raw), true
	default:
		return "", false
	}
}

// parseAudience accepts only roles that events are routed to. System is
// an event origin, never a feed.
func parseAudience(raw string) (domain.Role, bool) {
	switch domain.Role(raw) {
	case domain.RoleWorker, domain.RoleAdmin, domain.RoleClient:
		return domain.Role(raw), true
	default:
		return "", false
	}
}

func parseSeverity(raw string) domain.Severity {
	switch raw {
	case "critical":
		return domain.SeverityCritical
	case "high":
		return domain.SeverityHigh
	case "medium":
		return domain.SeverityMedium
	case "low":
		return domain.SeverityLow
	default:
		return 0
	}
}
