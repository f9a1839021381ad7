package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/omegamusic/go-common/logger"
)

// ConfigRecord is a profile's playback and appearance configuration. The
// cache and connection layers treat it as an opaque payload.
type ConfigRecord struct {
	ProfileID       string
	Theme           string
	Volume          int
	EqualizerPreset string
	UpdatedAt       time.Time
}

// DefaultConfigRecord returns the configuration a freshly created profile
// starts with.
func DefaultConfigRecord(profileID string) ConfigRecord {
	return ConfigRecord{
		ProfileID:       profileID,
		Theme:           "dark",
		Volume:          50,
		EqualizerPreset: "flat",
		UpdatedAt:       time.Now(),
	}
}

const configSchema = `CREATE TABLE IF NOT EXISTS profile_config (
	profile_id TEXT PRIMARY KEY,
	theme TEXT NOT NULL,
	volume INTEGER NOT NULL,
	equalizer_preset TEXT NOT NULL,
	updated_at BIGINT NOT NULL
)`

// ConfigRepository provides CRUD over profile configuration rows. Each
// operation obtains its own connection handle from the manager and returns
// it when done.
type ConfigRepository struct {
	manager *ConnectionManager
	logger  logger.Logger

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewConfigRepository returns a repository over the given connection manager.
func NewConfigRepository(manager *ConnectionManager, log logger.Logger) *ConfigRepository {
	return &ConfigRepository{
		manager: manager,
		logger:  log.WithPrefix("[config-repo]"),
	}
}

// rebind rewrites ? placeholders to $1..$n for the pgx driver. SQLite takes
// ? as-is.
func (r *ConfigRepository) rebind(query string) string {
	if r.manager.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

func (r *ConfigRepository) ensureSchema(ctx context.Context, conn *sql.Conn) error {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	if r.schemaReady {
		return nil
	}
	if _, err := conn.ExecContext(ctx, configSchema); err != nil {
		return markTransient(err)
	}
	r.schemaReady = true
	r.logger.Debug("profile_config schema ready")
	return nil
}

// withConn runs fn with a fresh validated handle, disposing it afterwards.
func (r *ConfigRepository) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := r.manager.Open(ctx)
	if err != nil {
		return err
	}
	defer r.manager.Dispose(conn)
	if err := r.ensureSchema(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

// FetchByKey returns the configuration for profileID. A missing row is not
// an error: it is reported as found=false.
func (r *ConfigRepository) FetchByKey(ctx context.Context, profileID string) (ConfigRecord, bool, error) {
	var rec ConfigRecord
	var found bool
	err := r.withConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, r.rebind(
			`SELECT profile_id, theme, volume, equalizer_preset, updated_at
			 FROM profile_config WHERE profile_id = ?`), profileID)
		var updatedAt int64
		err := row.Scan(&rec.ProfileID, &rec.Theme, &rec.Volume, &rec.EqualizerPreset, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return markTransient(err)
		}
		rec.UpdatedAt = time.Unix(0, updatedAt)
		found = true
		return nil
	})
	return rec, found, err
}

// Create inserts a default configuration row for profileID and returns the
// stored record. A concurrent insert of the same profile is not an error:
// the row that won is fetched and returned.
func (r *ConfigRepository) Create(ctx context.Context, profileID string) (ConfigRecord, error) {
	rec := DefaultConfigRecord(profileID)
	err := r.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, r.rebind(
			`INSERT INTO profile_config (profile_id, theme, volume, equalizer_preset, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (profile_id) DO NOTHING`),
			rec.ProfileID, rec.Theme, rec.Volume, rec.EqualizerPreset, rec.UpdatedAt.UnixNano())
		if err != nil {
			return markTransient(err)
		}
		return nil
	})
	if err != nil {
		return ConfigRecord{}, err
	}

	stored, found, err := r.FetchByKey(ctx, profileID)
	if err != nil || !found {
		// The insert succeeded; the re-fetch is best effort.
		return rec, nil
	}
	return stored, nil
}

// Update writes record through to the store. Updating a row that no longer
// exists returns ErrWriteConflict.
func (r *ConfigRepository) Update(ctx context.Context, rec ConfigRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	return r.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, r.rebind(
			`UPDATE profile_config
			 SET theme = ?, volume = ?, equalizer_preset = ?, updated_at = ?
			 WHERE profile_id = ?`),
			rec.Theme, rec.Volume, rec.EqualizerPreset, rec.UpdatedAt.UnixNano(), rec.ProfileID)
		if err != nil {
			return markTransient(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return markTransient(err)
		}
		if n == 0 {
			return errors.Wrapf(ErrWriteConflict, "profile %s", rec.ProfileID)
		}
		return nil
	})
}
