package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/propscope/compliance-service/internal/delivery"
	"github.com/propscope/compliance-service/internal/domain"
	"github.com/propscope/compliance-service/internal/dto"
	"github.com/propscope/compliance-service/internal/hub"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// MockComplianceReader is a mock implementation of ComplianceReader
type MockComplianceReader struct {
	mock.Mock
}

func (m *MockComplianceReader) Cached(buildingID string) (domain.ComplianceSnapshot, bool) {
	args := m.Called(buildingID)
	return args.Get(0).(domain.ComplianceSnapshot), args.Bool(1)
}

func (m *MockComplianceReader) Refresh(ctx context.Context, buildingID string) (domain.ComplianceSnapshot, error) {
	args := m.Called(ctx, buildingID)
	return args.Get(0).(domain.ComplianceSnapshot), args.Error(1)
}

// MockDeadLetterLister is a mock implementation of DeadLetterLister
type MockDeadLetterLister struct {
	mock.Mock
}

func (m *MockDeadLetterLister) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.DeadLetter), args.Error(1)
}

// MockDeliveryRepository is a mock implementation of repository.DeliveryRepository
type MockDeliveryRepository struct {
	mock.Mock
}

func (m *MockDeliveryRepository) SaveDelivery(ctx context.Context, d domain.QueuedDelivery) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockDeliveryRepository) DeleteDelivery(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDeliveryRepository) ListDeliveries(ctx context.Context) ([]domain.QueuedDelivery, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.QueuedDelivery), args.Error(1)
}

func (m *MockDeliveryRepository) SaveDeadLetter(ctx context.Context, d domain.DeadLetter) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockDeliveryRepository) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.DeadLetter), args.Error(1)
}

func newTestHub(clock clockwork.Clock) *hub.Hub {
	repo := new(MockDeliveryRepository)
	repo.On("SaveDelivery", mock.Anything, mock.Anything).Return(nil)
	repo.On("DeleteDelivery", mock.Anything, mock.Anything).Return(nil)
	repo.On("SaveDeadLetter", mock.Anything, mock.Anything).Return(nil)

	queue := delivery.NewQueue(repo, clock, delivery.Config{
		BackoffBase: 5 * time.Second,
		BackoffCap:  5 * time.Minute,
	}, zap.NewNop())
	return hub.New(queue, clock, hub.Config{HistoryCapacity: 50, SubscriberBuffer: 8}, zap.NewNop())
}

func newTestHandler(compliance *MockComplianceReader, h *hub.Hub, letters *MockDeadLetterLister) *Handler {
	return NewHandler(compliance, h, letters, clockwork.NewFakeClock(), zap.NewNop())
}

func TestHandler_HealthCheck(t *testing.T) {
	clock := clockwork.NewFakeClock()
	handler := newTestHandler(new(MockComplianceReader), newTestHub(clock), new(MockDeadLetterLister))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "ok", response["status"])
}

func TestHandler_GetSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	compliance := new(MockComplianceReader)

	snapshot := domain.NewSnapshot("b1",
		[]domain.ComplianceIssue{{
			ID:       "i1",
			Title:    "Facade inspection lapsed",
			Severity: domain.SeverityHigh,
			Category: domain.CategoryHousing,
			Status:   domain.StatusOpen,
		}},
		0.75,
		map[domain.Category]float64{domain.CategoryHousing: 0.75},
		nil, time.Now())
	compliance.On("Cached", "b1").Return(snapshot, true)

	handler := newTestHandler(compliance, newTestHub(clock), new(MockDeadLetterLister))

	req := httptest.NewRequest(http.MethodGet, "/buildings/b1/snapshot", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response dto.SnapshotResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "b1", response.BuildingID)
	assert.Equal(t, 0.75, response.Score)
	require.Len(t, response.Issues, 1)
	assert.Equal(t, "high", response.Issues[0].Severity)
}

func TestHandler_GetSnapshot_NotFound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	compliance := new(MockComplianceReader)
	compliance.On("Cached", "missing").Return(domain.ComplianceSnapshot{}, false)

	handler := newTestHandler(compliance, newTestHub(clock), new(MockDeadLetterLister))

	req := httptest.NewRequest(http.MethodGet, "/buildings/missing/snapshot", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_RefreshBuilding(t *testing.T) {
	clock := clockwork.NewFakeClock()
	compliance := new(MockComplianceReader)
	snapshot := domain.NewSnapshot("b1", nil, 1.0, nil, nil, time.Now())
	compliance.On("Refresh", mock.Anything, "b1").Return(snapshot, nil)

	handler := newTestHandler(compliance, newTestHub(clock), new(MockDeadLetterLister))

	req := httptest.NewRequest(http.MethodPost, "/buildings/b1/refresh", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	compliance.AssertCalled(t, "Refresh", mock.Anything, "b1")
}

func TestHandler_PublishEventReachesSubscribers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newTestHub(clock)
	worker := h.Subscribe(domain.RoleWorker)

	handler := newTestHandler(new(MockComplianceReader), h, new(MockDeadLetterLister))

	body, _ := json.Marshal(dto.PublishEventRequest{
		Kind:       "clock_in",
		BuildingID: "b1",
		SourceRole: "worker",
		Payload:    map[string]any{"worker_id": "w42"},
	})
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	var response dto.PublishEventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "accepted", response.Status)

	select {
	case event := <-worker.Events():
		assert.Equal(t, domain.EventClockIn, event.Kind)
		assert.Equal(t, domain.RoleWorker, event.SourceRole)
	default:
		t.Fatal("expected live delivery to worker subscriber")
	}
}

func TestHandler_PublishEvent_RejectsUnknownRole(t *testing.T) {
	clock := clockwork.NewFakeClock()
	handler := newTestHandler(new(MockComplianceReader), newTestHub(clock), new(MockDeadLetterLister))

	body, _ := json.Marshal(dto.PublishEventRequest{
		Kind:       "clock_in",
		BuildingID: "b1",
		SourceRole: "intruder",
	})
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetFeedReturnsHistory(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newTestHub(clock)
	handler := newTestHandler(new(MockComplianceReader), h, new(MockDeadLetterLister))

	// History reflects delivered events, so someone must be listening.
	admin := h.Subscribe(domain.RoleAdmin)
	defer h.Unsubscribe(admin)

	event := domain.NewEvent(domain.EventNewIssue, "b1", domain.RoleSystem, clock.Now())
	h.Publish(context.Background(), event)

	req := httptest.NewRequest(http.MethodGet, "/feed/admin?limit=10", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response dto.FeedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "admin", response.Role)
	require.Len(t, response.Events, 1)
	assert.Equal(t, event.ID, response.Events[0].ID)
}

func TestHandler_GetFeed_RejectsNonAudienceRoles(t *testing.T) {
	clock := clockwork.NewFakeClock()
	handler := newTestHandler(new(MockComplianceReader), newTestHub(clock), new(MockDeadLetterLister))

	// System originates events but is never an audience.
	for _, role := range []string{"nobody", "system"} {
		req := httptest.NewRequest(http.MethodGet, "/feed/"+role, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "role %s", role)

		req = httptest.NewRequest(http.MethodGet, "/stream/"+role, nil)
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "role %s", role)
	}
}

func TestHandler_ConnectivityToggleRoutesThroughQueue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newTestHub(clock)
	worker := h.Subscribe(domain.RoleWorker)
	admin := h.Subscribe(domain.RoleAdmin)
	client := h.Subscribe(domain.RoleClient)
	_ = admin
	_ = client

	handler := newTestHandler(new(MockComplianceReader), h, new(MockDeadLetterLister))

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/connectivity", bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	w := post(`{"online": false}`)
	require.Equal(t, http.StatusOK, w.Code)

	var response dto.ConnectivityResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.False(t, response.Online)

	event := domain.NewEvent(domain.EventTaskCompleted, "b1", domain.RoleWorker, clock.Now())
	h.Publish(context.Background(), event)
	select {
	case <-worker.Events():
		t.Fatal("expected no live delivery while offline")
	default:
	}

	// Reconnecting drains the queued events to subscribers.
	w = post(`{"online": true}`)
	require.Equal(t, http.StatusOK, w.Code)

	kinds := make(map[domain.EventKind][]domain.DomainEvent)
	for {
		select {
		case e := <-worker.Events():
			kinds[e.Kind] = append(kinds[e.Kind], e)
			continue
		default:
		}
		break
	}
	require.Len(t, kinds[domain.EventTaskCompleted], 1)
	assert.Equal(t, event.ID, kinds[domain.EventTaskCompleted][0].ID)
	// Both connectivity transitions surfaced as well.
	assert.Len(t, kinds[domain.EventConnectivityChanged], 2)
}

func TestHandler_GetDeadLetters(t *testing.T) {
	clock := clockwork.NewFakeClock()
	letters := new(MockDeadLetterLister)
	letters.On("ListDeadLetters", mock.Anything, 50).Return([]domain.DeadLetter{{
		ID:       "dl-1",
		Event:    domain.NewEvent(domain.EventNewIssue, "b1", domain.RoleSystem, clock.Now()),
		Audience: domain.RoleClient,
		Attempts: 3,
		Reason:   "no client subscribers",
		FailedAt: clock.Now(),
	}}, nil)

	handler := newTestHandler(new(MockComplianceReader), newTestHub(clock), letters)

	req := httptest.NewRequest(http.MethodGet, "/deadletters", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response dto.DeadLettersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Len(t, response.DeadLetters, 1)
	assert.Equal(t, "dl-1", response.DeadLetters[0].ID)
	assert.Equal(t, 3, response.DeadLetters[0].Attempts)
}
