package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Service holds process-level settings.
type Service struct {
	Environment string `envconfig:"SERVICE_ENVIRONMENT" default:"development"`
	APIPort     string `envconfig:"SERVICE_API_PORT" default:"8080"`
}

// SQLite holds persistence settings.
type SQLite struct {
	Path string `envconfig:"SQLITE_PATH" default:"compliance.db"`
}

// Sources holds provider endpoint settings. An empty URL disables that
// source.
type Sources struct {
	HousingURL    string `envconfig:"SOURCES_HOUSING_URL" default:""`
	PermitsURL    string `envconfig:"SOURCES_PERMITS_URL" default:""`
	SanitationURL string `envconfig:"SOURCES_SANITATION_URL" default:""`
	EmissionsURL  string `envconfig:"SOURCES_EMISSIONS_URL" default:""`
}

// Ingest holds source ingestion settings.
type Ingest struct {
	AdapterTimeoutSec  int `envconfig:"INGEST_ADAPTER_TIMEOUT_SEC" default:"12"`
	MaxRetries         int `envconfig:"INGEST_MAX_RETRIES" default:"3"`
	BackoffBaseMs      int `envconfig:"INGEST_BACKOFF_BASE_MS" default:"1000"`
	RateLimitPerMinute int `envconfig:"INGEST_RATE_LIMIT_PER_MINUTE" default:"150"`
	CacheTTLSec        int `envconfig:"INGEST_CACHE_TTL_SEC" default:"300"`
}

// Detect holds change-detection settings. Watch lists the buildings to
// monitor at startup as building:tier pairs, e.g. "bld-1:critical".
type Detect struct {
	CriticalIntervalSec int      `envconfig:"DETECT_CRITICAL_INTERVAL_SEC" default:"90"`
	StandardIntervalSec int      `envconfig:"DETECT_STANDARD_INTERVAL_SEC" default:"300"`
	LowIntervalSec      int      `envconfig:"DETECT_LOW_INTERVAL_SEC" default:"600"`
	CriticalThreshold   float64  `envconfig:"DETECT_CRITICAL_THRESHOLD" default:"0.5"`
	Watch               []string `envconfig:"DETECT_WATCH" default:""`
}

// Hub holds broadcast settings.
type Hub struct {
	HistoryCapacity  int `envconfig:"HUB_HISTORY_CAPACITY" default:"50"`
	SubscriberBuffer int `envconfig:"HUB_SUBSCRIBER_BUFFER" default:"64"`
	DrainIntervalSec int `envconfig:"HUB_DRAIN_INTERVAL_SEC" default:"5"`
}

// Delivery holds queue retry settings.
type Delivery struct {
	BackoffBaseSec    int `envconfig:"DELIVERY_BACKOFF_BASE_SEC" default:"5"`
	BackoffCapSec     int `envconfig:"DELIVERY_BACKOFF_CAP_SEC" default:"300"`
	MaxAttemptsLow    int `envconfig:"DELIVERY_MAX_ATTEMPTS_LOW" default:"3"`
	MaxAttemptsNormal int `envconfig:"DELIVERY_MAX_ATTEMPTS_NORMAL" default:"5"`
	MaxAttemptsHigh   int `envconfig:"DELIVERY_MAX_ATTEMPTS_HIGH" default:"8"`
	MaxAttemptsUrgent int `envconfig:"DELIVERY_MAX_ATTEMPTS_URGENT" default:"100"`
}

type Config struct {
	Service  Service
	SQLite   SQLite
	Sources  Sources
	Ingest   Ingest
	Detect   Detect
	Hub      Hub
	Delivery Delivery
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	return &cfg, nil
}
