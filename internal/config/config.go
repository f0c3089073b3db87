// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing or malformed, the process
// exits. The resulting Config is immutable and passed by reference into
// each component's constructor; nothing reads the environment later.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default dataset resources on the Chicago Open Data Portal.
const (
	defaultSodaBaseURL = "https://data.cityofchicago.org/resource"

	crashesDataset    = "85ca-t3if"
	peopleDataset     = "u6pd-qa9d"
	vehiclesDataset   = "68nd-jvt3"
	fatalitiesDataset = "gzaz-isa6"
)

// Bounds is the geographic bounding box used to validate coordinates.
// Records outside it keep their non-spatial fields but lose both
// coordinates (and therefore geometry).
type Bounds struct {
	MinLatitude  float64
	MaxLatitude  float64
	MinLongitude float64
	MaxLongitude float64
}

// IntRange is an inclusive numeric validation range.
type IntRange struct {
	Min int
	Max int
}

// Config holds all runtime configuration for the ingest service.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	DBPoolSize  int

	// SODA API
	Endpoints       map[string]string // endpoint name -> dataset URL
	SodaAppToken    string            // optional; raises the rate-limit ceiling
	BatchSize       int
	RateLimitHourly int
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RequestTimeout  time.Duration

	// Scheduler
	SchedulerInterval time.Duration

	// Validation
	Bounds           Bounds
	AgeRange         IntRange
	VehicleYearRange IntRange
	MaxFieldLength   int
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	port := os.Getenv("INGEST_PORT")
	if port == "" {
		port = "8082"
	}

	poolSize, err := intEnv("DB_POOL_SIZE", 10)
	if err != nil {
		return nil, err
	}

	batchSize, err := intEnv("SODA_BATCH_SIZE", 50000)
	if err != nil {
		return nil, err
	}

	rateLimit, err := intEnv("SODA_RATE_LIMIT_HOURLY", 1000)
	if err != nil {
		return nil, err
	}

	maxRetries, err := intEnv("SODA_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}

	intervalSecs, err := intEnv("SCHEDULER_INTERVAL_SECONDS", 60)
	if err != nil {
		return nil, err
	}

	baseURL := os.Getenv("SODA_BASE_URL")
	if baseURL == "" {
		baseURL = defaultSodaBaseURL
	}

	return &Config{
		Port:        port,
		DatabaseURL: dbURL,
		RedisURL:    redisURL,
		DBPoolSize:  poolSize,

		Endpoints: map[string]string{
			"crashes":    fmt.Sprintf("%s/%s.json", baseURL, crashesDataset),
			"people":     fmt.Sprintf("%s/%s.json", baseURL, peopleDataset),
			"vehicles":   fmt.Sprintf("%s/%s.json", baseURL, vehiclesDataset),
			"fatalities": fmt.Sprintf("%s/%s.json", baseURL, fatalitiesDataset),
		},
		SodaAppToken:    os.Getenv("SODA_APP_TOKEN"),
		BatchSize:       batchSize,
		RateLimitHourly: rateLimit,
		MaxRetries:      maxRetries,
		RetryBaseDelay:  time.Second,
		RequestTimeout:  30 * time.Second,

		SchedulerInterval: time.Duration(intervalSecs) * time.Second,

		// Chicago-area bounding box.
		Bounds: Bounds{
			MinLatitude:  41.6,
			MaxLatitude:  42.1,
			MinLongitude: -87.95,
			MaxLongitude: -87.5,
		},
		AgeRange:         IntRange{Min: 0, Max: 120},
		VehicleYearRange: IntRange{Min: 1900, Max: 2025},
		MaxFieldLength:   255,
	}, nil
}

// intEnv parses an optional positive-integer environment variable.
func intEnv(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, s)
	}
	return v, nil
}
