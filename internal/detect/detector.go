package detect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/propscope/compliance-service/internal/alert"
	"github.com/propscope/compliance-service/internal/domain"
	"github.com/propscope/compliance-service/internal/hub"
	"github.com/propscope/compliance-service/internal/ingest"
)

// Tier controls how often a building is polled.
type Tier string

const (
	TierCritical Tier = "critical"
	TierStandard Tier = "standard"
	TierLow      Tier = "low"
)

// Config tunes change detection.
type Config struct {
	// Intervals maps a priority tier to its polling period.
	Intervals map[Tier]time.Duration
	// CriticalThreshold is the score below which a decline event fires.
	CriticalThreshold float64
}

// DefaultIntervals returns the polling period per tier.
func DefaultIntervals() map[Tier]time.Duration {
	return map[Tier]time.Duration{
		TierCritical: 90 * time.Second,
		TierStandard: 5 * time.Minute,
		TierLow:      10 * time.Minute,
	}
}

// Detector polls monitored buildings, diffs each new snapshot against
// the previous one and publishes the resulting events. Cycles for one
// building are strictly serialized: a manual refresh racing the
// scheduled poll joins the in-flight cycle instead of double-emitting.
type Detector struct {
	ingestor *ingest.Ingestor
	hub      *hub.Hub
	clock    clockwork.Clock
	config   Config
	log      *zap.Logger

	mu       sync.Mutex
	watched  map[string]context.CancelFunc
	previous map[string]domain.ComplianceSnapshot
	group    singleflight.Group
	wg       sync.WaitGroup
}

// NewDetector creates a detector. Watch must be called per building.
func NewDetector(ingestor *ingest.Ingestor, h *hub.Hub, clock clockwork.Clock, config Config, log *zap.Logger) *Detector {
	if config.Intervals == nil {
		config.Intervals = DefaultIntervals()
	}
	return &Detector{
		ingestor: ingestor,
		hub:      h,
		clock:    clock,
		config:   config,
		log:      log,
		watched:  make(map[string]context.CancelFunc),
		previous: make(map[string]domain.ComplianceSnapshot),
	}
}

// Watch starts scheduled polling for a building at its tier's
// interval. Watching an already-watched building restarts its poller.
func (d *Detector) Watch(ctx context.Context, buildingID string, tier Tier) {
	interval, ok := d.config.Intervals[tier]
	if !ok {
		interval = d.config.Intervals[TierStandard]
	}

	pollCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if prior, ok := d.watched[buildingID]; ok {
		prior()
	}
	d.watched[buildingID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.poll(pollCtx, buildingID, interval)

	d.log.Info("Building monitoring started",
		zap.String("building_id", buildingID),
		zap.String("tier", string(tier)),
		zap.Duration("interval", interval))
}

// Unwatch stops polling a building. An in-flight cycle is allowed to
// complete; its results are discarded.
func (d *Detector) Unwatch(buildingID string) {
	d.mu.Lock()
	cancel, ok := d.watched[buildingID]
	if ok {
		delete(d.watched, buildingID)
		delete(d.previous, buildingID)
	}
	d.mu.Unlock()

	if ok {
		cancel()
		d.log.Info("Building monitoring stopped", zap.String("building_id", buildingID))
	}
}

// Stop cancels every poller and waits for them to exit.
func (d *Detector) Stop() {
	d.mu.Lock()
	for id, cancel := range d.watched {
		cancel()
		delete(d.watched, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Detector) poll(ctx context.Context, buildingID string, interval time.Duration) {
	defer d.wg.Done()

	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := d.Refresh(ctx, buildingID); err != nil {
				d.log.Warn("Poll cycle failed",
					zap.String("building_id", buildingID),
					zap.Error(err))
			}
		}
	}
}

// Cached returns the freshest available snapshot for a building
// without triggering a cycle.
func (d *Detector) Cached(buildingID string) (domain.ComplianceSnapshot, bool) {
	return d.ingestor.Cached(buildingID)
}

// Refresh runs one full cycle for a building: ingest, diff against the
// previous snapshot, publish events. Concurrent callers for the same
// building share one cycle and its result.
func (d *Detector) Refresh(ctx context.Context, buildingID string) (domain.ComplianceSnapshot, error) {
	v, err, _ := d.group.Do(buildingID, func() (interface{}, error) {
		return d.cycle(ctx, buildingID)
	})
	if err != nil {
		return domain.ComplianceSnapshot{}, err
	}
	return v.(domain.ComplianceSnapshot), nil
}

func (d *Detector) cycle(ctx context.Context, buildingID string) (domain.ComplianceSnapshot, error) {
	// Ingestion is decoupled from the poller's lifetime: unwatching a
	// building lets an in-flight cycle finish instead of aborting it
	// mid-write.
	snapshot, err := d.ingestor.Ingest(context.WithoutCancel(ctx), buildingID)
	if err != nil {
		if errors.Is(err, ingest.ErrAllSourcesUnavailable) {
			// Fall back to the last cached snapshot, marked stale.
			// Nothing changed from our point of view, so no diff.
			if cached, ok := d.ingestor.Cached(buildingID); ok {
				return cached.MarkStale(), nil
			}
		}
		return domain.ComplianceSnapshot{}, err
	}

	d.mu.Lock()
	prev, hadPrev := d.previous[buildingID]
	_, stillWatched := d.watched[buildingID]
	if stillWatched {
		d.previous[buildingID] = snapshot
	}
	d.mu.Unlock()

	if !stillWatched {
		// Unwatched mid-cycle: the result is discarded.
		return snapshot, nil
	}

	if !hadPrev {
		// First cycle establishes the baseline without emitting events.
		return snapshot, nil
	}

	events := diffSnapshots(prev, snapshot, d.config.CriticalThreshold)
	for _, event := range events {
		a := alert.Classify(event, snapshot)
		event.Alert = &a
		d.hub.Publish(ctx, event)
	}

	if len(events) > 0 {
		d.log.Info("Change cycle emitted events",
			zap.String("building_id", buildingID),
			zap.Int("event_count", len(events)))
	}
	return snapshot, nil
}
