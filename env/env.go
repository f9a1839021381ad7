package env

import (
	"fmt"
	"net/url"
	"os"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// DatabaseURLKey is the environment variable holding the connection string
// for the library database. It accepts a postgres:// URL or a SQLite DSN
// (a file path or file: URI).
const DatabaseURLKey = "OMEGA_DATABASE_URL"

// DatabaseURLFromEnv returns the configured database connection string.
// A missing or unparseable value is a configuration error: it is reported
// once at startup and never retried.
func DatabaseURLFromEnv() (string, error) {
	dsn := os.Getenv(DatabaseURLKey)
	if dsn == "" {
		return "", fmt.Errorf("missing required environment variable: %s", DatabaseURLKey)
	}
	if _, err := url.Parse(dsn); err != nil {
		return "", fmt.Errorf("invalid %s: %w", DatabaseURLKey, err)
	}
	return dsn, nil
}

// DurationFromEnv parses a human readable duration (e.g. "90s", "2m", "1h30m")
// from the named environment variable, returning def when unset or invalid.
func DurationFromEnv(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	d, err := str2duration.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}
