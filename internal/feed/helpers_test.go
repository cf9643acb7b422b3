package feed

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const eventWait = 500 * time.Millisecond

var (
	alice = auth.Identity{UserID: "user-alice", Username: "alice"}
	bob   = auth.Identity{UserID: "user-bob", Username: "bob"}
)

type fakeSink struct {
	events chan OutboundEvent
	done   chan struct{}
	once   sync.Once
}

func newFakeSink(capacity int) *fakeSink {
	return &fakeSink{events: make(chan OutboundEvent, capacity), done: make(chan struct{})}
}

func (s *fakeSink) TrySend(event OutboundEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

func (s *fakeSink) Send(ctx context.Context, event OutboundEvent) error {
	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case s.events <- event:
		return nil
	case <-s.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSink) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *fakeSink) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *fakeSink) next(t *testing.T) OutboundEvent {
	t.Helper()
	select {
	case event := <-s.events:
		return event
	case <-time.After(eventWait):
		t.Fatal("expected outbound event within deadline")
		return OutboundEvent{}
	}
}

func (s *fakeSink) nextNamed(t *testing.T, name string) OutboundEvent {
	t.Helper()
	event := s.next(t)
	require.Equal(t, name, event.Name, "unexpected event %+v", event)
	return event
}

func (s *fakeSink) expectNone(t *testing.T) {
	t.Helper()
	select {
	case event := <-s.events:
		t.Fatalf("did not expect outbound event, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

// gatedSink holds backlog comments until release is closed.
type gatedSink struct {
	*fakeSink
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSink(capacity int) *gatedSink {
	return &gatedSink{
		fakeSink: newFakeSink(capacity),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (s *gatedSink) Send(ctx context.Context, event OutboundEvent) error {
	if event.Name == EventMessage {
		s.once.Do(func() { close(s.entered) })
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.fakeSink.Send(ctx, event)
}

type mapResolver map[string]auth.Identity

func (m mapResolver) ResolveIdentity(_ context.Context, token string) (auth.Identity, error) {
	identity, ok := m[token]
	if !ok {
		return auth.Identity{}, errors.New("unknown token")
	}
	return identity, nil
}

func newTestStore(t *testing.T) *comments.GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "feed.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&users.User{}, &comments.Comment{}, &comments.Like{}))

	for _, identity := range []auth.Identity{alice, bob} {
		require.NoError(t, db.Create(&users.User{
			ID:           identity.UserID,
			Username:     identity.Username,
			PasswordHash: "hash",
		}).Error)
	}

	store, err := comments.NewGormStore(comments.StoreConfig{Database: db})
	require.NoError(t, err)
	return store
}

func seedComments(t *testing.T, store comments.Store, userID string, texts ...string) []comments.Comment {
	t.Helper()
	created := make([]comments.Comment, 0, len(texts))
	for _, text := range texts {
		comment, err := store.InsertComment(context.Background(), userID, text)
		require.NoError(t, err)
		created = append(created, comment)
	}
	return created
}
