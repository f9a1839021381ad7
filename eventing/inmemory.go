package eventing

import (
	"context"
	"errors"
	"sync"

	"github.com/omegamusic/go-common/logger"
)

// ErrClientClosed is returned by Publish and Subscribe after Close.
var ErrClientClosed = errors.New("eventing client is closed")

type inMemoryMessage struct {
	subject string
	data    []byte
	headers Headers
}

func (m *inMemoryMessage) Subject() string { return m.subject }
func (m *inMemoryMessage) Data() []byte    { return m.data }
func (m *inMemoryMessage) Headers() Headers {
	return m.headers
}

type inMemorySubscription struct {
	client  *inMemoryClient
	subject string
	id      int
}

func (s *inMemorySubscription) Close() error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if subs, ok := s.client.subs[s.subject]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.client.subs, s.subject)
		}
	}
	return nil
}

// inMemoryClient is a process-local event bus. Callbacks are invoked on the
// publisher's goroutine, so Publish does not return until every subscriber
// for the subject has observed the message.
type inMemoryClient struct {
	mu     sync.Mutex
	subs   map[string]map[int]MessageCallback
	nextID int
	closed bool
	logger logger.Logger
}

var _ Client = (*inMemoryClient)(nil)

// NewInMemory returns an in-process Client. This is the bus used when the
// application runs as a single process; use NewRedisClient to fan changes
// out across processes.
func NewInMemory(log logger.Logger) Client {
	return &inMemoryClient{
		subs:   make(map[string]map[int]MessageCallback),
		logger: log.WithPrefix("[eventing]"),
	}
}

func (c *inMemoryClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	callbacks := make([]MessageCallback, 0, len(c.subs[subject]))
	for _, cb := range c.subs[subject] {
		callbacks = append(callbacks, cb)
	}
	c.mu.Unlock()

	msg := &inMemoryMessage{
		subject: subject,
		data:    data,
		headers: headersFromOptions(opts),
	}
	for _, cb := range callbacks {
		cb(ctx, msg)
	}
	return nil
}

func (c *inMemoryClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.subs[subject] == nil {
		c.subs[subject] = make(map[int]MessageCallback)
	}
	c.nextID++
	c.subs[subject][c.nextID] = cb
	return &inMemorySubscription{client: c, subject: subject, id: c.nextID}, nil
}

func (c *inMemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subs = make(map[string]map[int]MessageCallback)
	return nil
}
