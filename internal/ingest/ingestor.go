package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/propscope/compliance-service/internal/domain"
	"github.com/propscope/compliance-service/internal/repository"
	"github.com/propscope/compliance-service/internal/score"
	"github.com/propscope/compliance-service/internal/source"
	"github.com/propscope/compliance-service/internal/store"
)

// ErrAllSourcesUnavailable is returned when every source adapter failed
// for a building. Callers fall back to the last cached snapshot.
var ErrAllSourcesUnavailable = errors.New("all sources unavailable")

// Config tunes ingestion behavior.
type Config struct {
	// AdapterTimeout bounds one adapter call attempt.
	AdapterTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// BackoffBase is the initial retry delay, doubling per attempt.
	BackoffBase time.Duration
}

// Ingestor pulls raw records from every registered source for a
// building, normalizes them, scores the result and produces an
// immutable compliance snapshot. At most one ingestion per building is
// in flight at a time; concurrent callers share the in-flight result.
type Ingestor struct {
	adapters []source.Adapter
	cache    *store.IssueStore
	issues   repository.IssueRepository
	limiter  *rate.Limiter
	clock    clockwork.Clock
	config   Config
	group    singleflight.Group
	log      *zap.Logger
}

// NewIngestor creates an ingestor over the given source adapters. The
// limiter is shared across all buildings and bounds total adapter call
// rate.
func NewIngestor(adapters []source.Adapter, cache *store.IssueStore, issues repository.IssueRepository, limiter *rate.Limiter, clock clockwork.Clock, config Config, log *zap.Logger) *Ingestor {
	return &Ingestor{
		adapters: adapters,
		cache:    cache,
		issues:   issues,
		limiter:  limiter,
		clock:    clock,
		config:   config,
		log:      log,
	}
}

type fetchResult struct {
	category domain.Category
	issues   []domain.ComplianceIssue
	err      error
}

// Ingest runs one ingestion cycle for a building. Concurrent calls for
// the same building are coalesced into one network round.
func (ing *Ingestor) Ingest(ctx context.Context, buildingID string) (domain.ComplianceSnapshot, error) {
	v, err, _ := ing.group.Do(buildingID, func() (interface{}, error) {
		return ing.ingest(ctx, buildingID)
	})
	if err != nil {
		return domain.ComplianceSnapshot{}, err
	}
	return v.(domain.ComplianceSnapshot), nil
}

// Cached returns the freshest available snapshot without triggering
// network calls. Expired entries come back marked stale.
func (ing *Ingestor) Cached(buildingID string) (domain.ComplianceSnapshot, bool) {
	return ing.cache.GetStale(buildingID)
}

func (ing *Ingestor) ingest(ctx context.Context, buildingID string) (domain.ComplianceSnapshot, error) {
	results := make([]fetchResult, len(ing.adapters))

	var wg sync.WaitGroup
	for i, adapter := range ing.adapters {
		wg.Add(1)
		go func(i int, adapter source.Adapter) {
			defer wg.Done()
			issues, err := ing.fetchSource(ctx, adapter, buildingID)
			results[i] = fetchResult{category: adapter.Category(), issues: issues, err: err}
		}(i, adapter)
	}
	wg.Wait()

	var (
		open       []domain.ComplianceIssue
		stored     []domain.ComplianceIssue
		categories []domain.Category
		stale      []domain.Category
		succeeded  int
	)
	for _, r := range results {
		categories = append(categories, r.category)
		if r.err != nil {
			ing.log.Warn("Source unavailable, backfilling from cache",
				zap.String("building_id", buildingID),
				zap.String("category", string(r.category)),
				zap.Error(r.err))
			stale = append(stale, r.category)
			cached := ing.cache.CategoryIssues(buildingID, r.category)
			open = append(open, cached...)
			stored = append(stored, cached...)
			continue
		}
		succeeded++
		for _, issue := range r.issues {
			stored = append(stored, issue)
			if issue.IsOpen() {
				open = append(open, issue)
			}
		}
	}

	if succeeded == 0 {
		return domain.ComplianceSnapshot{}, ErrAllSourcesUnavailable
	}

	result := score.Compute(open, categories)
	snapshot := domain.NewSnapshot(buildingID, open, result.Overall, result.ByCategory, stale, ing.clock.Now())

	if err := ing.issues.ReplaceIssues(ctx, buildingID, stored); err != nil {
		// Persistence trouble degrades to cache-only operation.
		ing.log.Error("Failed to persist issues",
			zap.String("building_id", buildingID),
			zap.Error(err))
	}
	ing.cache.Put(snapshot)

	ing.log.Info("Ingestion cycle complete",
		zap.String("building_id", buildingID),
		zap.Int("open_issues", len(open)),
		zap.Float64("score", snapshot.Score),
		zap.Int("stale_categories", len(stale)))

	return snapshot, nil
}

// fetchSource calls one adapter with the global rate limit, a per-call
// timeout and bounded exponential backoff.
func (ing *Ingestor) fetchSource(ctx context.Context, adapter source.Adapter, buildingID string) ([]domain.ComplianceIssue, error) {
	backoff := retry.WithMaxRetries(ing.config.MaxRetries, retry.NewExponential(ing.config.BackoffBase))

	var records []source.RawRecord
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := ing.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, ing.config.AdapterTimeout)
		defer cancel()

		fetched, err := adapter.Fetch(callCtx, buildingID)
		if err != nil {
			var adapterErr *source.AdapterError
			if errors.As(err, &adapterErr) && !adapterErr.Retryable() {
				return err
			}
			return retry.RetryableError(err)
		}
		records = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := ing.clock.Now()
	issues := make([]domain.ComplianceIssue, 0, len(records))
	for _, record := range records {
		issues = append(issues, source.Normalize(adapter, buildingID, record, now))
	}
	return issues, nil
}
