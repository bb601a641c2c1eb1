package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr               string
	DatabaseDSN        string
	NATSURL            string
	CarveBucket        string
	OsqueryOptionsPath string
	ArchiveURLTTL      time.Duration
}

// Load reads the server configuration from the environment. ROOST_DB_DSN,
// ROOST_NATS_URL and ROOST_CARVE_BUCKET are required.
func Load() (Config, error) {
	cfg := Config{}

	cfg.Addr = getEnv("ROOST_ADDR", ":8080")

	cfg.DatabaseDSN = os.Getenv("ROOST_DB_DSN")
	if cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("ROOST_DB_DSN is required")
	}

	cfg.NATSURL = os.Getenv("ROOST_NATS_URL")
	if cfg.NATSURL == "" {
		return Config{}, fmt.Errorf("ROOST_NATS_URL is required")
	}

	cfg.CarveBucket = os.Getenv("ROOST_CARVE_BUCKET")
	if cfg.CarveBucket == "" {
		return Config{}, fmt.Errorf("ROOST_CARVE_BUCKET is required")
	}

	cfg.OsqueryOptionsPath = os.Getenv("ROOST_OSQUERY_OPTIONS")

	ttl, err := parseTTLSeconds(os.Getenv("ROOST_ARCHIVE_URL_TTL_SECONDS"))
	if err != nil {
		return Config{}, err
	}
	cfg.ArchiveURLTTL = ttl

	return cfg, nil
}

func parseTTLSeconds(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid ROOST_ARCHIVE_URL_TTL_SECONDS: %q", raw)
	}
	return time.Duration(secs) * time.Second, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
