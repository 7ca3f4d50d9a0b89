// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing, the process exits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultFeedURLs is used when JOB_FEED_URLS is not set.
var DefaultFeedURLs = []string{
	"https://jobicy.com/?feed=job_feed",
	"https://jobicy.com/?feed=job_feed&job_categories=smm&job_types=full-time",
	"https://jobicy.com/?feed=job_feed&job_categories=seller&job_types=full-time&search_region=france",
	"https://jobicy.com/?feed=job_feed&job_categories=design-multimedia",
	"https://jobicy.com/?feed=job_feed&job_categories=data-science",
	"https://jobicy.com/?feed=job_feed&job_categories=copywriting",
	"https://jobicy.com/?feed=job_feed&job_categories=business",
	"https://jobicy.com/?feed=job_feed&job_categories=management",
	"https://www.higheredjobs.com/rss/articleFeed.cfm",
}

// Config holds all runtime configuration for the ingestion service.
type Config struct {
	Port        string
	GRPCPort    string
	DatabaseURL string
	RedisURL    string
	LogLevel    string

	QueueName         string
	WorkerConcurrency int
	MaxAttempts       int           // total attempts per payload, first one included
	BackoffBase       time.Duration // delay before the first retry, doubled each time
	KeepCompleted     int64
	KeepFailed        int64

	FeedURLs     []string
	ExcludeTerms []string // items mentioning any of these are not imported
	FetchTimeout time.Duration
	CronSchedule string // standard 5-field cron spec, e.g. "0 * * * *"
}

// Load reads environment variables (after an optional .env file) and returns
// a validated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	concurrency, err := positiveInt("QUEUE_CONCURRENCY", 5)
	if err != nil {
		return nil, err
	}
	attempts, err := positiveInt("QUEUE_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	backoffMs, err := positiveInt("QUEUE_BACKOFF_MS", 2000)
	if err != nil {
		return nil, err
	}
	keepCompleted, err := positiveInt("QUEUE_KEEP_COMPLETED", 1000)
	if err != nil {
		return nil, err
	}
	keepFailed, err := positiveInt("QUEUE_KEEP_FAILED", 5000)
	if err != nil {
		return nil, err
	}
	timeoutSec, err := positiveInt("FETCH_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:              getEnv("INGESTION_PORT", "8083"),
		GRPCPort:          getEnv("GRPC_PORT", "9093"),
		DatabaseURL:       dbURL,
		RedisURL:          redisURL,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		QueueName:         getEnv("QUEUE_NAME", "job-import"),
		WorkerConcurrency: concurrency,
		MaxAttempts:       attempts,
		BackoffBase:       time.Duration(backoffMs) * time.Millisecond,
		KeepCompleted:     int64(keepCompleted),
		KeepFailed:        int64(keepFailed),
		FeedURLs:          feedURLs(os.Getenv("JOB_FEED_URLS")),
		ExcludeTerms:      splitList(os.Getenv("FEED_EXCLUDE_TERMS")),
		FetchTimeout:      time.Duration(timeoutSec) * time.Second,
		CronSchedule:      getEnv("CRON_SCHEDULE", "0 * * * *"),
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func positiveInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, s)
	}
	return v, nil
}

// feedURLs parses JOB_FEED_URLS, falling back to DefaultFeedURLs.
func feedURLs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), DefaultFeedURLs...)
	}
	return splitList(raw)
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
