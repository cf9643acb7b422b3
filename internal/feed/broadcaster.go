package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/users"
	"go.uber.org/zap"
)

var errMissingRegistry = errors.New("feed: registry is required")

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	Store       comments.Store
	Registry    *Registry
	Logger      *zap.Logger
	JournalSize int
}

// Broadcaster delivers feed events to live connections. Fan-out is serialized
// so every connection observes broadcast events in sequence order.
type Broadcaster struct {
	store    comments.Store
	registry *Registry
	logger   *zap.Logger

	mu      sync.Mutex
	seq     uint64
	journal *journal
}

// NewBroadcaster constructs a Broadcaster.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   logger,
		journal:  newJournal(cfg.JournalSize),
	}, nil
}

// PublishComment sends the new comment to every live connection, the author included.
func (b *Broadcaster) PublishComment(comment comments.Comment, username string) {
	view := newCommentView(comment, username)
	view.LikeCount = 0
	b.broadcast(messageEvent(view))
}

// PublishLikeChange acknowledges a toggle to the requesting connection only.
func (b *Broadcaster) PublishLikeChange(conn *Connection, commentID int64, result LikeResult) bool {
	if conn == nil {
		return false
	}
	return conn.deliver(likeEvent(result, commentID))
}

// Ranking returns every comment by like count descending with author usernames.
func (b *Broadcaster) Ranking(ctx context.Context) ([]CommentView, error) {
	rows, err := b.store.GetRanking(ctx)
	if err != nil {
		return nil, err
	}
	names := newUsernameCache(b.store)
	views := make([]CommentView, 0, len(rows))
	for _, row := range rows {
		username, err := names.lookup(ctx, row.UserID)
		if err != nil {
			return nil, err
		}
		views = append(views, newCommentView(row, username))
	}
	return views, nil
}

// PublishMostLiked sends the ranking to conn, or to every connection when conn is nil.
func (b *Broadcaster) PublishMostLiked(ctx context.Context, conn *Connection) error {
	views, err := b.Ranking(ctx)
	if err != nil {
		return err
	}
	events := make([]OutboundEvent, 0, len(views))
	for _, view := range views {
		events = append(events, mostLikedEvent(view))
	}
	if conn != nil {
		for _, event := range events {
			if !conn.deliver(event) {
				return ErrConnectionClosed
			}
		}
		return nil
	}
	b.broadcast(events...)
	return nil
}

// Replay sends comments with id greater than fromOffset to conn in ascending
// id order. Live events that arrive meanwhile are held and flushed afterwards.
func (b *Broadcaster) Replay(ctx context.Context, conn *Connection, fromOffset int64) error {
	replayed := make(map[int64]struct{})
	if err := b.sendBacklog(ctx, conn, fromOffset, replayed); err != nil {
		// closing forces the client to reconnect and retry from its offset
		conn.abort()
		return err
	}
	if err := conn.finishReplay(ctx, replayed); err != nil {
		return err
	}
	b.logger.Debug("replay completed",
		zap.String("connection_id", conn.ID()),
		zap.Int64("from_offset", fromOffset),
		zap.Int("comments", len(replayed)))
	return nil
}

func (b *Broadcaster) sendBacklog(ctx context.Context, conn *Connection, fromOffset int64, replayed map[int64]struct{}) error {
	rows, err := b.store.GetComments(ctx, fromOffset)
	if err != nil {
		return err
	}
	names := newUsernameCache(b.store)
	for _, row := range rows {
		username, err := names.lookup(ctx, row.UserID)
		if err != nil {
			return err
		}
		if err := conn.sendBacklog(ctx, messageEvent(newCommentView(row, username))); err != nil {
			return err
		}
		replayed[row.ID] = struct{}{}
	}
	return nil
}

// recover registers a resumed session and returns the journal events it missed.
// Registration and the journal read happen under the fan-out lock, so every
// broadcast lands either in the returned backlog or in the connection's queue.
func (b *Broadcaster) recover(lastSeq uint64, register func() (*Connection, error)) (*Connection, []OutboundEvent, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	missed, ok := b.journal.since(lastSeq, b.seq)
	if !ok {
		return nil, nil, false, nil
	}
	conn, err := register()
	if err != nil {
		return nil, nil, false, err
	}
	return conn, missed, true, nil
}

func (b *Broadcaster) broadcast(events ...OutboundEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, event := range events {
		b.seq++
		event.Seq = b.seq
		b.journal.append(event)
		delivered, dropped := 0, 0
		b.registry.ForEach(func(conn *Connection) {
			if conn.deliver(event) {
				delivered++
			} else {
				dropped++
			}
		})
		if dropped > 0 {
			b.logger.Warn("broadcast skipped closed or lagging connections",
				zap.String("event", event.Name),
				zap.Uint64("seq", event.Seq),
				zap.Int("delivered", delivered),
				zap.Int("dropped", dropped))
		}
	}
}

// usernameCache resolves author names once per fan-out or replay.
type usernameCache struct {
	store comments.Store
	names map[string]string
}

func newUsernameCache(store comments.Store) *usernameCache {
	return &usernameCache{store: store, names: make(map[string]string)}
}

func (c *usernameCache) lookup(ctx context.Context, userID string) (string, error) {
	if name, ok := c.names[userID]; ok {
		return name, nil
	}
	name, err := c.store.GetUsername(ctx, userID)
	if errors.Is(err, users.ErrUserNotFound) {
		name, err = "", nil
	}
	if err != nil {
		return "", err
	}
	c.names[userID] = name
	return name, nil
}
