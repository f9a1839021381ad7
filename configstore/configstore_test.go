package configstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/omegamusic/go-common/cache"
	"github.com/omegamusic/go-common/db"
	"github.com/omegamusic/go-common/eventing"
	"github.com/omegamusic/go-common/logger"
)

type fakeRepo struct {
	mu          sync.Mutex
	records     map[string]db.ConfigRecord
	fetchErr    error
	createErr   error
	updateErr   error
	fetchCalls  int
	createCalls int
	updateCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]db.ConfigRecord)}
}

func (r *fakeRepo) FetchByKey(ctx context.Context, profileID string) (db.ConfigRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchCalls++
	if r.fetchErr != nil {
		return db.ConfigRecord{}, false, r.fetchErr
	}
	rec, ok := r.records[profileID]
	return rec, ok, nil
}

func (r *fakeRepo) Create(ctx context.Context, profileID string) (db.ConfigRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.createErr != nil {
		return db.ConfigRecord{}, r.createErr
	}
	rec := db.DefaultConfigRecord(profileID)
	r.records[profileID] = rec
	return rec, nil
}

func (r *fakeRepo) Update(ctx context.Context, rec db.ConfigRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls++
	if r.updateErr != nil {
		return r.updateErr
	}
	if _, ok := r.records[rec.ProfileID]; !ok {
		return db.ErrWriteConflict
	}
	r.records[rec.ProfileID] = rec
	return nil
}

func (r *fakeRepo) fetches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetchCalls
}

func (r *fakeRepo) setFetchErr(err error) {
	r.mu.Lock()
	r.fetchErr = err
	r.mu.Unlock()
}

func newTestStore(t *testing.T, repo Repository, opts Options) (*Store, eventing.Client) {
	t.Helper()
	bus := eventing.NewInMemory(logger.NewTestLogger())
	s, err := New(context.Background(), opts, repo, bus, logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(); _ = bus.Close() })
	return s, bus
}

func TestGetConfigCreatesDefaultOnMiss(t *testing.T) {
	repo := newFakeRepo()
	s, _ := newTestStore(t, repo, Options{})
	ctx := context.Background()

	rec, err := s.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	assert.Equal(t, "profile-1", rec.ProfileID)
	assert.Equal(t, "dark", rec.Theme)
	assert.Equal(t, 1, repo.createCalls)

	// The created record is cached: no further repository traffic.
	_, err = s.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.fetches())
}

func TestGetConfigDegradedDefaultWhenCreateFails(t *testing.T) {
	repo := newFakeRepo()
	repo.createErr = errors.New("disk full")
	s, _ := newTestStore(t, repo, Options{})

	rec, err := s.GetConfig(context.Background(), "profile-1")
	require.NoError(t, err, "degraded reads must not fail")
	assert.Equal(t, "profile-1", rec.ProfileID)
	assert.Equal(t, 50, rec.Volume)
	assert.Empty(t, repo.records, "the degraded default must not be persisted")
}

func TestGetConfigDefaultDuringOutage(t *testing.T) {
	repo := newFakeRepo()
	repo.setFetchErr(errors.New("backend down"))
	s, _ := newTestStore(t, repo, Options{})

	rec, err := s.GetConfig(context.Background(), "profile-1")
	require.NoError(t, err, "an outage with no cached value still yields a config")
	assert.Equal(t, "profile-1", rec.ProfileID)
}

func TestGetConfigStaleFallbackDuringOutage(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	repo := newFakeRepo()
	s, _ := newTestStore(t, repo, Options{
		TTL:          time.Minute,
		CacheOptions: []cache.Option{cache.WithClock(clock)},
	})
	ctx := context.Background()

	first, err := s.GetConfig(ctx, "profile-1")
	require.NoError(t, err)

	// Backend goes away, entry expires.
	repo.setFetchErr(errors.New("backend down"))
	advance(2 * time.Minute)

	stale, err := s.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	assert.Equal(t, first.Theme, stale.Theme)
	assert.Equal(t, int64(1), s.CacheStats().StaleServed)
}

func TestUpdateConfigWriteThrough(t *testing.T) {
	repo := newFakeRepo()
	s, _ := newTestStore(t, repo, Options{})
	ctx := context.Background()

	rec, err := s.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	before := repo.fetches()

	rec.Theme = "light"
	require.NoError(t, s.UpdateConfig(ctx, rec))

	got, err := s.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	assert.Equal(t, "light", got.Theme)
	assert.Equal(t, before, repo.fetches(), "write-through must not cause a re-fetch")
}

func TestUpdateConfigFailurePreservesCache(t *testing.T) {
	repo := newFakeRepo()
	s, _ := newTestStore(t, repo, Options{})
	ctx := context.Background()

	rec, err := s.GetConfig(ctx, "profile-1")
	require.NoError(t, err)

	repo.updateErr = errors.New("backend down")
	changed := rec
	changed.Theme = "light"
	err = s.UpdateConfig(ctx, changed)
	require.Error(t, err, "write failures must surface to the caller")

	got, err := s.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Theme, got.Theme, "the pre-update cached value must remain")
}

func TestUpdateConfigPublishesChange(t *testing.T) {
	repo := newFakeRepo()
	bus := eventing.NewInMemory(logger.NewTestLogger())
	s, err := New(context.Background(), Options{}, repo, bus, logger.NewTestLogger())
	require.NoError(t, err)
	defer s.Close()

	var got changeEvent
	_, err = bus.Subscribe(context.Background(), DefaultSubject, func(ctx context.Context, msg eventing.Message) {
		_ = msgpack.Unmarshal(msg.Data(), &got)
	})
	require.NoError(t, err)

	ctx := context.Background()
	rec, err := s.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	require.NoError(t, s.UpdateConfig(ctx, rec))

	assert.Equal(t, "profile-1", got.ProfileID)
	assert.NotEmpty(t, got.Origin)
}

func TestExternalChangeInvalidates(t *testing.T) {
	repo := newFakeRepo()
	bus := eventing.NewInMemory(logger.NewTestLogger())
	a, err := New(context.Background(), Options{}, repo, bus, logger.NewTestLogger())
	require.NoError(t, err)
	defer a.Close()
	b, err := New(context.Background(), Options{}, repo, bus, logger.NewTestLogger())
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	rec, err := a.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	_, err = b.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	before := repo.fetches()

	// An update through a must evict b's entry but keep a's own (a set the
	// fresh value itself).
	rec.Volume = 80
	require.NoError(t, a.UpdateConfig(ctx, rec))

	gotA, err := a.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	assert.Equal(t, 80, gotA.Volume)
	assert.Equal(t, before, repo.fetches(), "publisher's own cache entry must survive")

	gotB, err := b.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	assert.Equal(t, 80, gotB.Volume)
	assert.Equal(t, before+1, repo.fetches(), "subscriber must re-fetch after invalidation")
}

func TestInvalidateCacheForcesFreshFetch(t *testing.T) {
	repo := newFakeRepo()
	s, _ := newTestStore(t, repo, Options{})
	ctx := context.Background()

	_, err := s.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	before := repo.fetches()

	s.InvalidateCache("profile-1")

	_, err = s.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	assert.Equal(t, before+1, repo.fetches(), "invalidation must force exactly one fresh fetch")
}

func TestInvalidateAllEvictsEverything(t *testing.T) {
	repo := newFakeRepo()
	s, _ := newTestStore(t, repo, Options{})
	ctx := context.Background()

	for _, id := range []string{"profile-1", "profile-2"} {
		_, err := s.GetConfig(ctx, id)
		require.NoError(t, err)
	}
	before := repo.fetches()

	s.InvalidateAll()

	for _, id := range []string{"profile-1", "profile-2"} {
		_, err := s.GetConfig(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, before+2, repo.fetches())
}

func TestBroadcastInvalidationEvent(t *testing.T) {
	repo := newFakeRepo()
	bus := eventing.NewInMemory(logger.NewTestLogger())
	s, err := New(context.Background(), Options{}, repo, bus, logger.NewTestLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	before := repo.fetches()

	// An empty profile id from another origin means "invalidate all".
	payload, err := msgpack.Marshal(changeEvent{ProfileID: "", Origin: "someone-else"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, DefaultSubject, payload))

	_, err = s.GetConfig(ctx, "profile-1")
	require.NoError(t, err)
	assert.Equal(t, before+1, repo.fetches())
}
