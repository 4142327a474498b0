package store

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/propscope/compliance-service/internal/domain"
)

// IssueStore caches the latest compliance snapshot per building with a
// TTL. Entries past their TTL are reported as stale rather than evicted
// outright: a stale snapshot is still the best available fallback when
// every source is down.
type IssueStore struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	clock   clockwork.Clock
}

type entry struct {
	snapshot domain.ComplianceSnapshot
	storedAt time.Time
}

// New creates an issue store with the given TTL.
func New(ttl time.Duration, clock clockwork.Clock) *IssueStore {
	return &IssueStore{
		entries: make(map[string]entry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Put stores the snapshot for its building, replacing any prior entry.
func (s *IssueStore) Put(snapshot domain.ComplianceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[snapshot.BuildingID] = entry{snapshot: snapshot, storedAt: s.clock.Now()}
}

// Get returns the cached snapshot if it is still within its TTL.
func (s *IssueStore) Get(buildingID string) (domain.ComplianceSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[buildingID]
	if !ok {
		return domain.ComplianceSnapshot{}, false
	}
	if s.clock.Now().Sub(e.storedAt) > s.ttl {
		return domain.ComplianceSnapshot{}, false
	}
	return e.snapshot, true
}

// GetStale returns the cached snapshot regardless of TTL, marked stale
// when the TTL has lapsed.
func (s *IssueStore) GetStale(buildingID string) (domain.ComplianceSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[buildingID]
	if !ok {
		return domain.ComplianceSnapshot{}, false
	}
	if s.clock.Now().Sub(e.storedAt) > s.ttl {
		return e.snapshot.MarkStale(), true
	}
	return e.snapshot, true
}

// CategoryIssues returns the cached issues for one category of a
// building, TTL ignored. Used to backfill a category whose source is
// temporarily unavailable.
func (s *IssueStore) CategoryIssues(buildingID string, category domain.Category) []domain.ComplianceIssue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[buildingID]
	if !ok {
		return nil
	}
	var issues []domain.ComplianceIssue
	for _, issue := range e.snapshot.Issues {
		if issue.Category == category {
			issues = append(issues, issue)
		}
	}
	return issues
}

// Remove drops the cached snapshot for a building.
func (s *IssueStore) Remove(buildingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, buildingID)
}
