package db

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/omegamusic/go-common/logger"
	"github.com/omegamusic/go-common/resilience"
)

// ConnectionManagerConfig defines configuration for a ConnectionManager.
type ConnectionManagerConfig struct {
	// Retry is the per-Open retry policy. Exhausting it counts as a single
	// failure toward the circuit breaker.
	Retry resilience.RetryConfig

	// MaxOpenConns bounds the underlying pool.
	MaxOpenConns int

	// ConnMaxIdleTime recycles idle pooled connections, limiting exposure
	// to handles that silently died.
	ConnMaxIdleTime time.Duration
}

// DefaultConnectionManagerConfig returns a default configuration.
func DefaultConnectionManagerConfig() ConnectionManagerConfig {
	retry := resilience.DefaultRetryConfig()
	retry.Retryable = func(err error) bool {
		return errors.Is(err, ErrTransient)
	}
	return ConnectionManagerConfig{
		Retry:           retry,
		MaxOpenConns:    8,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// ConnectionManager owns the lifecycle of connections to the backing store.
// Every Open goes through the shared circuit breaker and a bounded retry
// with exponential backoff, so under sustained backend unavailability
// callers degrade to fast ErrCircuitOpen rejections instead of piling
// network attempts onto a dead store.
//
// The handle returned by Open must not be shared across concurrent
// operations; each logical operation obtains its own handle and returns it
// via Dispose.
type ConnectionManager struct {
	dsn     string
	driver  string
	cfg     ConnectionManagerConfig
	breaker *resilience.CircuitBreaker
	logger  logger.Logger

	mu sync.Mutex
	db *sql.DB

	// attempt performs one connection attempt. Replaced in tests.
	attempt func(ctx context.Context) (*sql.Conn, error)
}

// driverFor picks the database/sql driver from the DSN: postgres URLs use
// pgx, everything else is treated as a SQLite path or file: URI.
func driverFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx"
	}
	return "sqlite"
}

// NewConnectionManager creates a manager for dsn. The breaker is the shared
// per-store circuit breaker; pass the same instance to every manager that
// talks to the same store. A nil breaker gets a private one with defaults.
// An empty dsn is a configuration error.
func NewConnectionManager(dsn string, cfg ConnectionManagerConfig, breaker *resilience.CircuitBreaker, log logger.Logger) (*ConnectionManager, error) {
	if dsn == "" {
		return nil, errors.Wrap(ErrConfiguration, "empty connection string")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultConnectionManagerConfig().Retry
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig(), log)
	}
	m := &ConnectionManager{
		dsn:     dsn,
		driver:  driverFor(dsn),
		cfg:     cfg,
		breaker: breaker,
		logger:  log.WithPrefix("[db]"),
	}
	m.attempt = m.dialAndPing
	return m, nil
}

// Breaker returns the circuit breaker guarding this manager's store.
func (m *ConnectionManager) Breaker() *resilience.CircuitBreaker {
	return m.breaker
}

func (m *ConnectionManager) pool() (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return m.db, nil
	}
	db, err := sql.Open(m.driver, m.dsn)
	if err != nil {
		return nil, errors.Mark(err, ErrConfiguration)
	}
	if m.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(m.cfg.MaxOpenConns)
	}
	if m.cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(m.cfg.ConnMaxIdleTime)
	}
	m.db = db
	return db, nil
}

// markDialFailure tags a connection error as transient. Cancellation and
// deadline errors pass through untagged: they describe the caller, not the
// store, so they are neither retried nor counted toward the breaker.
func markDialFailure(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return markTransient(err)
}

// dialAndPing is one connection attempt: acquire a pooled handle and probe
// it before handing it out.
func (m *ConnectionManager) dialAndPing(ctx context.Context) (*sql.Conn, error) {
	db, err := m.pool()
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, markDialFailure(err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, markDialFailure(err)
	}
	return conn, nil
}

// Open returns a validated connection handle or a typed error:
// resilience.ErrCircuitOpen while the breaker is open,
// resilience.ErrRetriesExhausted when every attempt failed, or
// ErrConfiguration when the manager cannot even construct the pool.
func (m *ConnectionManager) Open(ctx context.Context) (*sql.Conn, error) {
	if err := m.breaker.Allow(); err != nil {
		return nil, err
	}

	var conn *sql.Conn
	err := resilience.Retry(ctx, m.cfg.Retry, func(ctx context.Context) error {
		c, err := m.attempt(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		// Only store unavailability counts toward the breaker. A caller
		// abandoning the attempt says nothing about the store's health.
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			m.breaker.RecordFailure()
		}
		return nil, err
	}
	m.breaker.RecordSuccess()
	return conn, nil
}

// Validate issues a cheap liveness probe against the handle, detecting
// connections that silently died while idle.
func (m *ConnectionManager) Validate(ctx context.Context, conn *sql.Conn) bool {
	if conn == nil {
		return false
	}
	return conn.PingContext(ctx) == nil
}

// Dispose returns the handle to the pool. It never fails: release errors
// are logged, not propagated.
func (m *ConnectionManager) Dispose(conn *sql.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		m.logger.Warn("failed to release connection: %v", err)
	}
}

// Close shuts down the underlying pool.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}
