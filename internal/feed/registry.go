package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/auth"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var (
	errMissingSink         = errors.New("feed: connection sink is required")
	errDuplicateConnection = errors.New("feed: connection id already registered")
)

// Connection is one live client session. Its identity is fixed at connect time.
type Connection struct {
	id        string
	identity  auth.Identity
	recovered bool
	sink      Sink
	offset    atomic.Int64
	lastSeq   atomic.Uint64

	mu        sync.Mutex
	closed    bool
	replaying bool
	parked    []OutboundEvent
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Identity() auth.Identity {
	return c.identity
}

func (c *Connection) Username() string {
	return c.identity.Username
}

// Recovered reports whether the session was restored from the recovery journal.
func (c *Connection) Recovered() bool {
	return c.recovered
}

// Offset is the highest comment id delivered to this connection.
func (c *Connection) Offset() int64 {
	return c.offset.Load()
}

// LastSeq is the sequence number of the last broadcast event queued for this connection.
func (c *Connection) LastSeq() uint64 {
	return c.lastSeq.Load()
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver queues a live event without blocking. While a replay is running the
// event is parked and flushed once the backlog has been sent.
func (c *Connection) deliver(event OutboundEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.replaying {
		c.parked = append(c.parked, event)
		return true
	}
	if !c.sink.TrySend(event) {
		// a full outbox means the client fell behind; it reconnects and replays
		c.closed = true
		c.parked = nil
		c.sink.Close()
		return false
	}
	c.observe(event)
	return true
}

// sendBacklog queues a replayed event, waiting for outbox space.
func (c *Connection) sendBacklog(ctx context.Context, event OutboundEvent) error {
	if c.Closed() {
		return ErrConnectionClosed
	}
	if err := c.sink.Send(ctx, event); err != nil {
		c.abort()
		return err
	}
	c.observe(event)
	return nil
}

// finishReplay flushes events parked during the replay, skipping comments the
// replay already delivered, then switches the connection to live delivery.
func (c *Connection) finishReplay(ctx context.Context, replayed map[int64]struct{}) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.parked = nil
			c.replaying = false
			c.mu.Unlock()
			return ErrConnectionClosed
		}
		batch := c.parked
		c.parked = nil
		if len(batch) == 0 {
			c.replaying = false
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		for _, event := range batch {
			if id, ok := commentIDOf(event); ok {
				if _, seen := replayed[id]; seen {
					continue
				}
			}
			if err := c.sink.Send(ctx, event); err != nil {
				c.abort()
				return err
			}
			c.observe(event)
		}
	}
}

func (c *Connection) observe(event OutboundEvent) {
	if id, ok := commentIDOf(event); ok {
		for {
			current := c.offset.Load()
			if id <= current || c.offset.CompareAndSwap(current, id) {
				break
			}
		}
	}
	if event.Seq > 0 {
		for {
			current := c.lastSeq.Load()
			if event.Seq <= current || c.lastSeq.CompareAndSwap(current, event.Seq) {
				break
			}
		}
	}
}

// markClosed stops further deliveries; in-flight events are dropped silently.
func (c *Connection) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.parked = nil
	c.mu.Unlock()
}

func (c *Connection) abort() {
	c.markClosed()
	c.sink.Close()
}

// ReplayFunc delivers the backlog to a connection registered without recovery.
type ReplayFunc func(ctx context.Context, conn *Connection)

// Registration describes a connection being added to the registry.
type Registration struct {
	// ID is generated when empty; recovered sessions keep their previous id.
	ID        string
	Sink      Sink
	Identity  auth.Identity
	Offset    int64
	Recovered bool
	// Hold parks live events until the caller flushes the connection with finishReplay.
	Hold bool
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Logger  *zap.Logger
	OnFresh ReplayFunc
}

// Registry tracks live connections. Readers iterate an immutable snapshot that
// is replaced on every register/unregister.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Connection
	snapshot atomic.Pointer[[]*Connection]
	onFresh  ReplayFunc
	logger   *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := &Registry{
		byID:    make(map[string]*Connection),
		onFresh: cfg.OnFresh,
		logger:  logger,
	}
	empty := make([]*Connection, 0)
	registry.snapshot.Store(&empty)
	return registry
}

// Register adds a connection. Without recovery the replay hook runs once for
// that connection before Register returns.
func (r *Registry) Register(ctx context.Context, registration Registration) (*Connection, error) {
	if registration.Sink == nil {
		return nil, errMissingSink
	}
	id := registration.ID
	if id == "" {
		id = ulid.Make().String()
	}
	conn := &Connection{
		id:        id,
		identity:  registration.Identity,
		recovered: registration.Recovered,
		sink:      registration.Sink,
		replaying: registration.Hold || (!registration.Recovered && r.onFresh != nil),
	}
	if registration.Offset > 0 {
		conn.offset.Store(registration.Offset)
	}

	r.mu.Lock()
	if _, exists := r.byID[id]; exists {
		r.mu.Unlock()
		return nil, errDuplicateConnection
	}
	r.byID[id] = conn
	r.publishLocked()
	r.mu.Unlock()

	r.logger.Info("user has connected",
		zap.String("connection_id", id),
		zap.String("username", conn.identity.Username),
		zap.Bool("anonymous", conn.identity.Anonymous()),
		zap.Bool("recovered", conn.recovered),
		zap.Int64("offset", registration.Offset))

	if !conn.recovered && r.onFresh != nil {
		r.onFresh(ctx, conn)
	}
	return conn, nil
}

// Unregister removes the connection and discards anything still parked for it.
func (r *Registry) Unregister(id string) (*Connection, bool) {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		r.publishLocked()
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	conn.markClosed()
	r.logger.Info("user has disconnected",
		zap.String("connection_id", id),
		zap.String("username", conn.identity.Username),
		zap.Int64("offset", conn.Offset()),
		zap.Uint64("last_seq", conn.LastSeq()))
	return conn, true
}

// Get returns the live connection with the given id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[id]
	return conn, ok
}

// ForEach calls fn for every connection in the current snapshot.
func (r *Registry) ForEach(fn func(conn *Connection)) {
	for _, conn := range *r.snapshot.Load() {
		fn(conn)
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}

func (r *Registry) publishLocked() {
	next := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		next = append(next, conn)
	}
	r.snapshot.Store(&next)
}
