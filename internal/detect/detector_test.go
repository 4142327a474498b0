package detect

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/propscope/compliance-service/internal/delivery"
	"github.com/propscope/compliance-service/internal/domain"
	"github.com/propscope/compliance-service/internal/hub"
	"github.com/propscope/compliance-service/internal/ingest"
	"github.com/propscope/compliance-service/internal/source"
	"github.com/propscope/compliance-service/internal/store"
)

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

// MockIssueRepository is a mock implementation of repository.IssueRepository
type MockIssueRepository struct {
	mock.Mock
}

func (m *MockIssueRepository) ReplaceIssues(ctx context.Context, buildingID string, issues []domain.ComplianceIssue) error {
	args := m.Called(ctx, buildingID, issues)
	return args.Error(0)
}

func (m *MockIssueRepository) ListIssues(ctx context.Context, buildingID string) ([]domain.ComplianceIssue, error) {
	args := m.Called(ctx, buildingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ComplianceIssue), args.Error(1)
}

// scriptedAdapter returns a different record set per ingestion cycle.
type scriptedAdapter struct {
	mu     sync.Mutex
	rounds [][]source.RawRecord
	delay  time.Duration
	calls  atomic.Int32
}

func (a *scriptedAdapter) Name() string              { return "housing" }
func (a *scriptedAdapter) Category() domain.Category { return domain.CategoryHousing }

func (a *scriptedAdapter) Fetch(ctx context.Context, buildingKey string) ([]source.RawRecord, error) {
	a.mu.Lock()
	rounds := a.rounds
	delay := a.delay
	a.mu.Unlock()

	call := int(a.calls.Add(1)) - 1
	if delay > 0 {
		time.Sleep(delay)
	}
	if len(rounds) == 0 {
		return nil, &source.AdapterError{Source: "housing", Kind: source.ErrUnknown}
	}
	if call >= len(rounds) {
		return rounds[len(rounds)-1], nil
	}
	return rounds[call], nil
}

type fixture struct {
	detector *Detector
	hub      *hub.Hub
	clock    *clockwork.FakeClock
	adapter  *scriptedAdapter
}

func newFixture(t *testing.T, rounds [][]source.RawRecord) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()

	deliveryRepo := new(MockDeliveryRepository)
	deliveryRepo.On("SaveDelivery", mock.Anything, mock.Anything).Return(nil)
	deliveryRepo.On("DeleteDelivery", mock.Anything, mock.Anything).Return(nil)
	deliveryRepo.On("SaveDeadLetter", mock.Anything, mock.Anything).Return(nil)

	issueRepo := new(MockIssueRepository)
	issueRepo.On("ReplaceIssues", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	adapter := &scriptedAdapter{rounds: rounds}
	cache := store.New(5*time.Minute, clock)
	ingestor := ingest.NewIngestor(
		[]source.Adapter{adapter}, cache, issueRepo,
		rate.NewLimiter(rate.Inf, 1), clock,
		ingest.Config{AdapterTimeout: time.Second, MaxRetries: 1, BackoffBase: time.Millisecond},
		zap.NewNop())

	queue := delivery.NewQueue(deliveryRepo, clock, delivery.Config{
		BackoffBase: 5 * time.Second,
		BackoffCap:  5 * time.Minute,
	}, zap.NewNop())
	h := hub.New(queue, clock, hub.Config{HistoryCapacity: 50, SubscriberBuffer: 32}, zap.NewNop())

	detector := NewDetector(ingestor, h, clock, Config{CriticalThreshold: 0.5}, zap.NewNop())
	t.Cleanup(detector.Stop)

	return &fixture{detector: detector, hub: h, clock: clock, adapter: adapter}
}

func collect(sub *hub.Subscription) []domain.DomainEvent {
	var events []domain.DomainEvent
	for {
		select {
		case e := <-sub.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func record(id, severity string) source.RawRecord {
	return source.RawRecord{ExternalID: id, Title: "record " + id, RawSeverity: severity, RawStatus: "open"}
}

func TestRefresh_FirstCycleIsBaseline(t *testing.T) {
	f := newFixture(t, [][]source.RawRecord{
		{record("h1", "class c")},
	})
	admin := f.hub.Subscribe(domain.RoleAdmin)

	f.detector.Watch(context.Background(), "b1", TierStandard)
	_, err := f.detector.Refresh(context.Background(), "b1")
	require.NoError(t, err)

	assert.Empty(t, collect(admin))
}

func TestRefresh_EmitsClassifiedEventsOnChange(t *testing.T) {
	f := newFixture(t, [][]source.RawRecord{
		{record("h1", "class b")},
		{record("h1", "class b"), record("h2", "class i")},
	})
	admin := f.hub.Subscribe(domain.RoleAdmin)

	f.detector.Watch(context.Background(), "b1", TierStandard)
	_, err := f.detector.Refresh(context.Background(), "b1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.detector.Refresh(context.Background(), "b1")
	require.NoError(t, err)

	events := collect(admin)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventNewIssue, events[0].Kind)
	assert.Equal(t, domain.SeverityCritical, events[0].Severity)
	require.NotNil(t, events[0].Alert)
	assert.Equal(t, domain.AlertCritical, events[0].Alert.Severity)
}

func TestRefresh_ResolvedIssueEmitsEvent(t *testing.T) {
	f := newFixture(t, [][]source.RawRecord{
		{record("h1", "class b"), record("h2", "class a")},
		{record("h1", "class b")},
	})
	worker := f.hub.Subscribe(domain.RoleWorker)

	f.detector.Watch(context.Background(), "b1", TierStandard)
	_, err := f.detector.Refresh(context.Background(), "b1")
	require.NoError(t, err)
	_, err = f.detector.Refresh(context.Background(), "b1")
	require.NoError(t, err)

	events := collect(worker)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventIssueResolved, events[0].Kind)
	assert.Equal(t, source.IssueID("housing", "b1", "h2"), events[0].IssueID)
}

func TestRefresh_ConcurrentCallersShareOneCycle(t *testing.T) {
	f := newFixture(t, [][]source.RawRecord{
		{record("h1", "class b")},
	})
	f.adapter.delay = 50 * time.Millisecond

	f.detector.Watch(context.Background(), "b1", TierStandard)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.detector.Refresh(context.Background(), "b1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Far fewer fetches than callers; with the gate in place a burst
	// of concurrent refreshes coalesces.
	assert.LessOrEqual(t, f.adapter.calls.Load(), int32(2))
}

func TestUnwatch_DiscardsInFlightResults(t *testing.T) {
	f := newFixture(t, [][]source.RawRecord{
		{record("h1", "class b")},
		{record("h1", "class b"), record("h2", "class i")},
	})
	admin := f.hub.Subscribe(domain.RoleAdmin)

	f.detector.Watch(context.Background(), "b1", TierStandard)
	_, err := f.detector.Refresh(context.Background(), "b1")
	require.NoError(t, err)

	f.detector.Unwatch("b1")

	_, err = f.detector.Refresh(context.Background(), "b1")
	require.NoError(t, err)

	assert.Empty(t, collect(admin))
}

func TestWatch_ScheduledPollEmitsEvents(t *testing.T) {
	f := newFixture(t, [][]source.RawRecord{
		{record("h1", "class b")},
		{record("h1", "class b"), record("h2", "class c")},
	})
	admin := f.hub.Subscribe(domain.RoleAdmin)

	f.detector.Watch(context.Background(), "b1", TierCritical)

	// First tick establishes the baseline, second emits the new issue.
	for i := 0; i < 2; i++ {
		f.clock.BlockUntil(1)
		f.clock.Advance(90 * time.Second)
		require.Eventually(t, func() bool {
			return f.adapter.calls.Load() >= int32(i+1)
		}, time.Second, time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(f.hub.History(domain.RoleAdmin, 10)) == 1
	}, time.Second, time.Millisecond)

	events := collect(admin)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventNewIssue, events[0].Kind)
}

func TestRefresh_TotalFailureFallsBackToCache(t *testing.T) {
	f := newFixture(t, [][]source.RawRecord{
		{record("h1", "class b")},
	})

	f.detector.Watch(context.Background(), "b1", TierStandard)
	_, err := f.detector.Refresh(context.Background(), "b1")
	require.NoError(t, err)

	// Source goes dark; ingestion fails outright but the cached
	// snapshot is served, marked stale.
	f.adapter.mu.Lock()
	f.adapter.rounds = nil
	f.adapter.mu.Unlock()

	snapshot, err := f.detector.Refresh(context.Background(), "b1")
	require.NoError(t, err)
	assert.True(t, snapshot.Stale)
	assert.Len(t, snapshot.Issues, 1)
}
