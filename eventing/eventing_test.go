package eventing

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omegamusic/go-common/logger"
)

func TestHeaders(t *testing.T) {
	t.Run("Get", func(t *testing.T) {
		h := Headers{"key": "value"}
		assert.Equal(t, "value", h.Get("key"))
		assert.Equal(t, "", h.Get("nonexistent"))
	})

	t.Run("Set", func(t *testing.T) {
		h := Headers{}
		h.Set("key", "value")
		assert.Equal(t, "value", h.Get("key"))

		h.Set("key", "new-value")
		assert.Equal(t, "new-value", h.Get("key"))
	})

	t.Run("Keys", func(t *testing.T) {
		h := Headers{"key1": "value1", "key2": "value2"}
		keys := h.Keys()
		assert.Len(t, keys, 2)
		assert.Contains(t, keys, "key1")
		assert.Contains(t, keys, "key2")
	})
}

func TestWithHeader(t *testing.T) {
	opts := &publishOptions{}

	WithHeader("key1", "value1")(opts)
	assert.Len(t, opts.Headers, 1)
	assert.Equal(t, []string{"key1", "value1"}, opts.Headers[0])

	WithHeader("key2", "value2")(opts)
	assert.Len(t, opts.Headers, 2)
	assert.Equal(t, []string{"key2", "value2"}, opts.Headers[1])
}

func TestInMemoryPublishSubscribe(t *testing.T) {
	c := NewInMemory(logger.NewTestLogger())
	defer c.Close()

	var received Message
	sub, err := c.Subscribe(context.Background(), "config.changed", func(ctx context.Context, msg Message) {
		received = msg
	})
	require.NoError(t, err)
	defer sub.Close()

	err = c.Publish(context.Background(), "config.changed", []byte("profile-1"), WithHeader("origin", "abc"))
	require.NoError(t, err)

	require.NotNil(t, received)
	assert.Equal(t, "config.changed", received.Subject())
	assert.Equal(t, []byte("profile-1"), received.Data())
	assert.Equal(t, "abc", received.Headers().Get("origin"))
}

func TestInMemorySubjectIsolation(t *testing.T) {
	c := NewInMemory(logger.NewTestLogger())
	defer c.Close()

	var calls atomic.Int32
	_, err := c.Subscribe(context.Background(), "profile.changed", func(ctx context.Context, msg Message) {
		calls.Add(1)
	})
	require.NoError(t, err)

	require.NoError(t, c.Publish(context.Background(), "config.changed", []byte("x")))
	assert.Equal(t, int32(0), calls.Load())

	require.NoError(t, c.Publish(context.Background(), "profile.changed", []byte("x")))
	assert.Equal(t, int32(1), calls.Load())
}

func TestInMemoryMultipleSubscribers(t *testing.T) {
	c := NewInMemory(logger.NewTestLogger())
	defer c.Close()

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := c.Subscribe(context.Background(), "config.changed", func(ctx context.Context, msg Message) {
			calls.Add(1)
		})
		require.NoError(t, err)
	}

	require.NoError(t, c.Publish(context.Background(), "config.changed", []byte("x")))
	assert.Equal(t, int32(3), calls.Load())
}

func TestInMemoryUnsubscribe(t *testing.T) {
	c := NewInMemory(logger.NewTestLogger())
	defer c.Close()

	var calls atomic.Int32
	sub, err := c.Subscribe(context.Background(), "config.changed", func(ctx context.Context, msg Message) {
		calls.Add(1)
	})
	require.NoError(t, err)

	require.NoError(t, c.Publish(context.Background(), "config.changed", []byte("x")))
	require.NoError(t, sub.Close())
	require.NoError(t, c.Publish(context.Background(), "config.changed", []byte("x")))

	assert.Equal(t, int32(1), calls.Load())
}

func TestInMemoryClosed(t *testing.T) {
	c := NewInMemory(logger.NewTestLogger())
	require.NoError(t, c.Close())

	err := c.Publish(context.Background(), "config.changed", []byte("x"))
	assert.ErrorIs(t, err, ErrClientClosed)

	_, err = c.Subscribe(context.Background(), "config.changed", func(ctx context.Context, msg Message) {})
	assert.ErrorIs(t, err, ErrClientClosed)
}
