package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/HitoriSensei/bullmq"
	"github.com/HitoriSensei/bullmq/scheduler"
)

// Compile-time interface check.
var _ scheduler.Store = (*Store)(nil)

// DefaultMaxLenEvents is the approximate length of the queue events
// stream when the queue meta hash does not set opts.maxLenEvents.
const DefaultMaxLenEvents = 10000

// Option configures the Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Defaults to bullmq.DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxLenEvents sets the default events stream length.
func WithMaxLenEvents(n int64) Option {
	return func(s *Store) { s.maxLenEvents = n }
}

// Store implements scheduler.Store for one queue.
type Store struct {
	client       *goredis.Client
	queue        string
	prefix       string
	keys         keys
	logger       *slog.Logger
	maxLenEvents int64

	closeOnce sync.Once
	closeErr  error
}

// New creates a store for queue on a dedicated connection to the server
// client talks to.
func New(client *goredis.Client, queue string, opts ...Option) *Store {
	o := *client.Options()
	o.PoolSize = 1
	o.MinIdleConns = 0
	o.MaxIdleConns = 1
	return NewWithClient(goredis.NewClient(&o), queue, opts...)
}

// NewWithClient creates a store that uses client directly and closes it
// on Close. client must not be shared.
func NewWithClient(client *goredis.Client, queue string, opts ...Option) *Store {
	s := &Store{
		client:       client,
		queue:        queue,
		prefix:       bullmq.DefaultPrefix,
		logger:       slog.Default(),
		maxLenEvents: DefaultMaxLenEvents,
	}
	for _, o := range opts {
		o(s)
	}
	s.keys = newKeys(s.prefix, queue)
	return s
}

// Client returns the dedicated Redis client.
func (s *Store) Client() *goredis.Client { return s.client }

// ClientName returns the name registered by SetClientName.
func (s *Store) ClientName() string { return bullmq.ClientName(s.prefix, s.queue) }

// Ready pings the server. The scheduler calls it again while the server
// is unreachable.
func (s *Store) Ready(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

// unknownClientCommand matches the reply of servers and proxies that do
// not implement CLIENT.
var unknownClientCommand = regexp.MustCompile("(?i)ERR unknown command ['`]\\s*client\\s*['`]")

// SetClientName registers the connection name
// "<prefix>:<base64(queue)>:qs".
func (s *Store) SetClientName(ctx context.Context) error {
	err := s.client.Do(ctx, "CLIENT", "SETNAME", s.ClientName()).Err()
	if err == nil {
		return nil
	}
	if unknownClientCommand.MatchString(err.Error()) {
		return fmt.Errorf("bullmq/redis: client setname: %w: %w", bullmq.ErrCommandUnsupported, err)
	}
	return s.wrap("client setname", err)
}

// Disconnect closes the connection, failing a blocked read.
func (s *Store) Disconnect() error { return s.close() }

// Close closes the connection.
func (s *Store) Close() error { return s.close() }

func (s *Store) close() error {
	s.closeOnce.Do(func() {
		if err := s.client.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			s.closeErr = fmt.Errorf("bullmq/redis: close: %w", err)
		}
	})
	return s.closeErr
}

// wrap prefixes err with op and marks a closed client as a lost
// connection.
func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("bullmq/redis: %s: %w: %w", op, bullmq.ErrConnectionClosed, err)
	}
	return fmt.Errorf("bullmq/redis: %s: %w", op, err)
}
