package config_test

import (
	"strings"
	"testing"
	"time"

	"crashwatch/ingest-service/internal/config"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/crashwatch")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	if _, err := config.Load(); err == nil {
		t.Error("Load without DATABASE_URL expected error, got nil")
	}
}

func TestLoad_RequiresRedisURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/crashwatch")
	t.Setenv("REDIS_URL", "")
	if _, err := config.Load(); err == nil {
		t.Error("Load without REDIS_URL expected error, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	t.Setenv("INGEST_PORT", "")
	t.Setenv("SODA_BATCH_SIZE", "")
	t.Setenv("SODA_BASE_URL", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}

	if cfg.Port != "8082" {
		t.Errorf("Port = %q, want 8082", cfg.Port)
	}
	if cfg.BatchSize != 50000 {
		t.Errorf("BatchSize = %d, want 50000", cfg.BatchSize)
	}
	if cfg.RateLimitHourly != 1000 {
		t.Errorf("RateLimitHourly = %d, want 1000", cfg.RateLimitHourly)
	}
	if cfg.SchedulerInterval != time.Minute {
		t.Errorf("SchedulerInterval = %s, want 1m", cfg.SchedulerInterval)
	}
	if cfg.Bounds.MinLatitude != 41.6 || cfg.Bounds.MaxLongitude != -87.5 {
		t.Errorf("Bounds = %+v, want the Chicago bounding box", cfg.Bounds)
	}
	if cfg.AgeRange.Max != 120 || cfg.VehicleYearRange.Min != 1900 {
		t.Errorf("ranges = %+v / %+v, want [0,120] and [1900,2025]", cfg.AgeRange, cfg.VehicleYearRange)
	}
}

func TestLoad_EndpointURLs(t *testing.T) {
	setRequired(t)
	t.Setenv("SODA_BASE_URL", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	for _, name := range []string{"crashes", "people", "vehicles", "fatalities"} {
		u, ok := cfg.Endpoints[name]
		if !ok {
			t.Fatalf("endpoint %s missing", name)
		}
		if !strings.HasPrefix(u, "https://data.cityofchicago.org/resource/") || !strings.HasSuffix(u, ".json") {
			t.Errorf("endpoint %s URL = %q, want a portal resource URL", name, u)
		}
	}
}

func TestLoad_BaseURLOverride(t *testing.T) {
	setRequired(t)
	t.Setenv("SODA_BASE_URL", "http://localhost:9000/resource")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	if !strings.HasPrefix(cfg.Endpoints["crashes"], "http://localhost:9000/resource/") {
		t.Errorf("crashes URL = %q, want the overridden base", cfg.Endpoints["crashes"])
	}
}

func TestLoad_RejectsNonPositiveIntegers(t *testing.T) {
	setRequired(t)
	for _, v := range []string{"0", "-5", "abc"} {
		t.Setenv("SODA_MAX_RETRIES", v)
		if _, err := config.Load(); err == nil {
			t.Errorf("Load with SODA_MAX_RETRIES=%q expected error, got nil", v)
		}
	}
}
