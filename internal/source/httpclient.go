package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/propscope/compliance-service/internal/domain"
)

// HTTPAdapter fetches records from a JSON-over-HTTP regulatory data
// provider. One adapter instance covers one source endpoint.
type HTTPAdapter struct {
	name     string
	category domain.Category
	baseURL  string
	client   *http.Client
	log      *zap.Logger
}

// NewHTTPAdapter creates an adapter for a provider endpoint. The base
// URL is expected to serve GET {base}/buildings/{key}/records.
func NewHTTPAdapter(name string, category domain.Category, baseURL string, client *http.Client, log *zap.Logger) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	log.Info("Source adapter created",
		zap.String("source", name),
		zap.String("category", string(category)),
		zap.String("base_url", baseURL))

	return &HTTPAdapter{
		name:     name,
		category: category,
		baseURL:  baseURL,
		client:   client,
		log:      log,
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

func (a *HTTPAdapter) Category() domain.Category { return a.category }

// recordPayload is the provider's wire shape for one record.
type recordPayload struct {
	ExternalID    string         `json:"external_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Severity      string         `json:"severity"`
	Status        string         `json:"status"`
	IssuedAt      *time.Time     `json:"issued_at"`
	DueDate       *time.Time     `json:"due_date"`
	ResolvedAt    *time.Time     `json:"resolved_at"`
	EstimatedCost *float64       `json:"estimated_cost"`
	Extra         map[string]any `json:"extra"`
}

// Fetch retrieves the raw records for a building key.
func (a *HTTPAdapter) Fetch(ctx context.Context, buildingKey string) ([]RawRecord, error) {
	endpoint := fmt.Sprintf("%s/buildings/%s/records", a.baseURL, url.PathEscape(buildingKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &AdapterError{Source: a.name, Kind: ErrUnknown, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		kind := ErrUnknown
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			kind = ErrTimeout
		}
		return nil, &AdapterError{Source: a.name, Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, &AdapterError{Source: a.name, Kind: ErrNotFound}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &AdapterError{Source: a.name, Kind: ErrRateLimited}
	default:
		return nil, &AdapterError{
			Source: a.name,
			Kind:   ErrUnknown,
			Err:    fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var payload struct {
		Records []recordPayload `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &AdapterError{Source: a.name, Kind: ErrUnknown, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	records := make([]RawRecord, 0, len(payload.Records))
	for _, r := range payload.Records {
		record := RawRecord{
			ExternalID:    r.ExternalID,
			Title:         r.Title,
			Description:   r.Description,
			RawSeverity:   r.Severity,
			RawStatus:     r.Status,
			DueDate:       r.DueDate,
			ResolvedAt:    r.ResolvedAt,
			EstimatedCost: r.EstimatedCost,
			Extra:         r.Extra,
		}
		if r.IssuedAt != nil {
			record.IssuedAt = *r.IssuedAt
		}
		records = append(records, record)
	}

	a.log.Debug("Source records fetched",
		zap.String("source", a.name),
		zap.String("building_key", buildingKey),
		zap.Int("count", len(records)))

	return records, nil
}
