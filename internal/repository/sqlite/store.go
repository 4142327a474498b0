package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/propscope/compliance-service/internal/domain"
)

// Store implements repository.Store on SQLite.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// New opens (or creates) the database at path and runs migrations.
// Use ":memory:" for an ephemeral store in tests.
func New(path string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		building_id TEXT NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_issues_building ON issues(building_id);

	CREATE TABLE IF NOT EXISTS queued_deliveries (
		id TEXT PRIMARY KEY,
		priority INTEGER NOT NULL,
		audience TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		max_attempts INTEGER NOT NULL,
		next_retry_at INTEGER NOT NULL,
		enqueued_at INTEGER NOT NULL,
		event TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_order ON queued_deliveries(priority, enqueued_at);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		audience TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		reason TEXT,
		failed_at INTEGER NOT NULL,
		event TEXT NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.log.Info("SQLite schema initialized")
	return nil
}

// ReplaceIssues atomically swaps the stored issue set for a building.
func (s *Store) ReplaceIssues(ctx context.Context, buildingID string, issues []domain.ComplianceIssue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE building_id = ?`, buildingID); err != nil {
		return fmt.Errorf("failed to clear issues: %w", err)
	}

	for _, issue := range issues {
		payload, err := json.Marshal(issue)
		if err != nil {
			return fmt.Errorf("failed to marshal issue %s: %w", issue.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO issues (id, building_id, payload) VALUES (?, ?, ?)`,
			issue.ID, buildingID, string(payload)); err != nil {
			return fmt.Errorf("failed to insert issue %s: %w", issue.ID, err)
		}
	}

	return tx.Commit()
}

// ListIssues returns the stored issues for a building.
func (s *Store) ListIssues(ctx context.Context, buildingID string) ([]domain.ComplianceIssue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM issues WHERE building_id = ?`, buildingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var issues []domain.ComplianceIssue
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}
		var issue domain.ComplianceIssue
		if err := json.Unmarshal([]byte(payload), &issue); err != nil {
			return nil, fmt.Errorf("failed to unmarshal issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// SaveDelivery inserts or updates a queued delivery.
func (s *Store) SaveDelivery(ctx context.Context, d domain.QueuedDelivery) error {
	event, err := json.Marshal(d.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", d.Event.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO queued_deliveries
			(id, priority, audience, attempts, max_attempts, next_retry_at, enqueued_at, event)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, int(d.Priority), string(d.Audience), d.Attempts, d.MaxAttempts,
		d.NextRetryAt.UnixMilli(), d.EnqueuedAt.UnixMilli(), string(event))
	if err != nil {
		return fmt.Errorf("failed to save delivery %s: %w", d.ID, err)
	}
	return nil
}

// DeleteDelivery removes a delivered item.
func (s *Store) DeleteDelivery(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_deliveries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete delivery %s: %w", id, err)
	}
	return nil
}

// ListDeliveries returns every pending delivery in drain order.
func (s *Store) ListDeliveries(ctx context.Context) ([]domain.QueuedDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, priority, audience, attempts, max_attempts, next_retry_at, enqueued_at, event
		FROM queued_deliveries
		ORDER BY priority ASC, enqueued_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []domain.QueuedDelivery
	for rows.Next() {
		var (
			d                       domain.QueuedDelivery
			priority                int
			audience                string
			nextRetryMs, enqueuedMs int64
			event                   string
		)
		if err := rows.Scan(&d.ID, &priority, &audience, &d.Attempts, &d.MaxAttempts, &nextRetryMs, &enqueuedMs, &event); err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		if err := json.Unmarshal([]byte(event), &d.Event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		d.Priority = domain.Priority(priority)
		d.Audience = domain.Role(audience)
		d.NextRetryAt = msToTime(nextRetryMs)
		d.EnqueuedAt = msToTime(enqueuedMs)
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// SaveDeadLetter parks an exhausted delivery.
func (s *Store) SaveDeadLetter(ctx context.Context, d domain.DeadLetter) error {
	event, err := json.Marshal(d.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", d.Event.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_letters (id, audience, attempts, reason, failed_at, event)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, string(d.Audience), d.Attempts, d.Reason, d.FailedAt.UnixMilli(), string(event))
	if err != nil {
		return fmt.Errorf("failed to save dead letter %s: %w", d.ID, err)
	}
	return nil
}

// ListDeadLetters returns dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, audience, attempts, reason, failed_at, event
		FROM dead_letters ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []domain.DeadLetter
	for rows.Next() {
		var (
			d        domain.DeadLetter
			audience string
			failedMs int64
			event    string
		)
		if err := rows.Scan(&d.ID, &audience, &d.Attempts, &d.Reason, &failedMs, &event); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		if err := json.Unmarshal([]byte(event), &d.Event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		d.Audience = domain.Role(audience)
		d.FailedAt = msToTime(failedMs)
		letters = append(letters, d)
	}
	return letters, rows.Err()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
