// Package configstore is the application-facing access layer for profile
// configuration. It combines the single-flight TTL cache, the repository
// over the resilient connection manager, and the change-notification bus:
// reads survive backend outages by serving stale or default values, writes
// go through to the store and update the cache in place, and changes made
// by other subscribers evict the affected entry.
package configstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/omegamusic/go-common/cache"
	"github.com/omegamusic/go-common/db"
	"github.com/omegamusic/go-common/eventing"
	"github.com/omegamusic/go-common/logger"
)

// DefaultSubject is the bus subject for configuration change notifications.
const DefaultSubject = "config.changed"

// DefaultTTL is the cache freshness window when Options.TTL is zero.
const DefaultTTL = 5 * time.Minute

// Repository is the narrow persistence contract the store depends on.
type Repository interface {
	FetchByKey(ctx context.Context, profileID string) (db.ConfigRecord, bool, error)
	Create(ctx context.Context, profileID string) (db.ConfigRecord, error)
	Update(ctx context.Context, rec db.ConfigRecord) error
}

// changeEvent is the envelope published on the change bus. Origin lets a
// store ignore its own notifications: the publisher already has the fresh
// value in its cache.
type changeEvent struct {
	ProfileID string `msgpack:"profile_id"`
	Origin    string `msgpack:"origin"`
}

// Options configures a Store.
type Options struct {
	// TTL is the cache freshness window. Defaults to DefaultTTL.
	TTL time.Duration
	// Subject is the change-notification subject. Defaults to DefaultSubject.
	Subject string
	// CacheOptions are passed through to the underlying cache. Mainly for
	// clock injection in tests.
	CacheOptions []cache.Option
}

// Store is the façade consumed by the rest of the application.
type Store struct {
	repo    Repository
	events  eventing.Client
	cache   *cache.Cache[string, db.ConfigRecord]
	logger  logger.Logger
	subject string
	origin  string
	sub     eventing.Subscriber
}

// New returns a Store subscribed to the change bus. Close releases the
// subscription.
func New(ctx context.Context, opts Options, repo Repository, events eventing.Client, log logger.Logger) (*Store, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	cacheOpts := append([]cache.Option{cache.WithTTL(opts.TTL)}, opts.CacheOptions...)

	s := &Store{
		repo:    repo,
		events:  events,
		cache:   cache.New[string, db.ConfigRecord](cacheOpts...),
		logger:  log.WithPrefix("[configstore]"),
		subject: opts.Subject,
		origin:  uuid.NewString(),
	}
	sub, err := events.Subscribe(ctx, s.subject, s.onChange)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

func (s *Store) onChange(ctx context.Context, msg eventing.Message) {
	var ev changeEvent
	if err := msgpack.Unmarshal(msg.Data(), &ev); err != nil {
		s.logger.Warn("ignoring malformed change notification: %v", err)
		return
	}
	if ev.Origin == s.origin {
		return
	}
	if ev.ProfileID == "" {
		s.cache.InvalidateAll()
		return
	}
	s.cache.Invalidate(ev.ProfileID)
}

// GetConfig returns the configuration for profileID. A missing row is
// created with defaults. During a backend outage the last known value is
// served if one is cached; otherwise an unsaved default is returned so the
// application can proceed in a degraded state. Transient read failures are
// never surfaced to the caller.
func (s *Store) GetConfig(ctx context.Context, profileID string) (db.ConfigRecord, error) {
	rec, err := s.cache.Get(ctx, profileID, func(ctx context.Context) (db.ConfigRecord, error) {
		rec, found, err := s.repo.FetchByKey(ctx, profileID)
		if err != nil {
			s.logger.Debug("config fetch for profile %s failed: %v", profileID, err)
			return db.ConfigRecord{}, err
		}
		if found {
			return rec, nil
		}
		created, err := s.repo.Create(ctx, profileID)
		if err == nil {
			return created, nil
		}
		// Unsaved default, cached with the normal TTL: persistence is
		// retried on the next fetch after the entry expires.
		s.logger.Warn("failed to persist default config for profile %s, serving unsaved default: %v", profileID, err)
		return db.DefaultConfigRecord(profileID), nil
	})
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return db.ConfigRecord{}, err
	}
	// No cached value to fall back on. The application still gets a config.
	s.logger.Warn("serving default config for profile %s during backend outage: %v", profileID, err)
	return db.DefaultConfigRecord(profileID), nil
}

// UpdateConfig writes record through to the store, then replaces the cache
// entry in place without a re-fetch, and notifies other subscribers. A write
// failure is returned to the caller and leaves the previously cached value
// intact.
func (s *Store) UpdateConfig(ctx context.Context, rec db.ConfigRecord) error {
	rec.UpdatedAt = time.Now()
	if err := s.repo.Update(ctx, rec); err != nil {
		return err
	}
	s.cache.Set(rec.ProfileID, rec)
	s.publishChanged(ctx, rec.ProfileID)
	return nil
}

func (s *Store) publishChanged(ctx context.Context, profileID string) {
	payload, err := msgpack.Marshal(changeEvent{ProfileID: profileID, Origin: s.origin})
	if err != nil {
		s.logger.Warn("failed to encode config change for profile %s: %v", profileID, err)
		return
	}
	if err := s.events.Publish(ctx, s.subject, payload); err != nil {
		// The write itself succeeded; only the notification was lost.
		s.logger.Warn("failed to publish config change for profile %s: %v", profileID, err)
	}
}

// InvalidateCache evicts the cache entry for profileID.
func (s *Store) InvalidateCache(profileID string) {
	s.cache.Invalidate(profileID)
}

// InvalidateAll evicts every cache entry.
func (s *Store) InvalidateAll() {
	s.cache.InvalidateAll()
}

// CacheStats returns the underlying cache counters.
func (s *Store) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Close releases the change-bus subscription.
func (s *Store) Close() error {
	if s.sub != nil {
		return s.sub.Close()
	}
	return nil
}
