package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/comments"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const defaultMaxCommentLength = 2000

// IdentityResolver maps a credential token to an account.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (auth.Identity, error)
}

// MostLikedScope selects who receives a most-liked pull.
type MostLikedScope string

const (
	// MostLikedBroadcast sends the ranking to every connection.
	MostLikedBroadcast MostLikedScope = "broadcast"
	// MostLikedRequester sends the ranking to the requesting connection only.
	MostLikedRequester MostLikedScope = "requester"
)

// ParseMostLikedScope validates a configured scope value.
func ParseMostLikedScope(value string) (MostLikedScope, error) {
	switch MostLikedScope(strings.ToLower(strings.TrimSpace(value))) {
	case "", MostLikedBroadcast:
		return MostLikedBroadcast, nil
	case MostLikedRequester:
		return MostLikedRequester, nil
	default:
		return "", fmt.Errorf("feed: unknown most-liked scope %q", value)
	}
}

// EngineConfig describes the engine's collaborators and tunables.
type EngineConfig struct {
	Store            comments.Store
	Resolver         IdentityResolver
	Logger           *zap.Logger
	Clock            func() time.Time
	// RecoveryWindow defaults when zero; a negative value disables session recovery.
	RecoveryWindow   time.Duration
	JournalSize      int
	MostLikedScope   MostLikedScope
	MaxCommentLength int
}

// ConnectRequest carries the handshake parameters of a new connection.
type ConnectRequest struct {
	Token string
	// Offset is the highest comment id the client already holds.
	Offset int64
	// SessionID and LastSeq identify a session to resume from the journal.
	// HasSeq separates an explicit seq of zero from no seq at all; without it
	// the connection is treated as fresh.
	SessionID string
	LastSeq   uint64
	HasSeq    bool
}

// Engine routes inbound events through the store, the deduper and the broadcaster.
type Engine struct {
	store            comments.Store
	resolver         IdentityResolver
	logger           *zap.Logger
	registry         *Registry
	broadcaster      *Broadcaster
	deduper          *LikeDeduper
	sessions         *sessionParking
	mostLikedScope   MostLikedScope
	maxCommentLength int
}

// NewEngine wires the registry, deduper and broadcaster around the store.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	scope := cfg.MostLikedScope
	if scope == "" {
		scope = MostLikedBroadcast
	}
	maxLength := cfg.MaxCommentLength
	if maxLength <= 0 {
		maxLength = defaultMaxCommentLength
	}
	window := cfg.RecoveryWindow
	switch {
	case window == 0:
		window = defaultRecoveryWindow
	case window < 0:
		window = 0
	}

	engine := &Engine{
		store:            cfg.Store,
		resolver:         cfg.Resolver,
		logger:           logger,
		sessions:         newSessionParking(window, clock),
		mostLikedScope:   scope,
		maxCommentLength: maxLength,
	}
	engine.registry = NewRegistry(RegistryConfig{Logger: logger, OnFresh: engine.replayFresh})

	broadcaster, err := NewBroadcaster(BroadcasterConfig{
		Store:       cfg.Store,
		Registry:    engine.registry,
		Logger:      logger,
		JournalSize: cfg.JournalSize,
	})
	if err != nil {
		return nil, err
	}
	engine.broadcaster = broadcaster

	deduper, err := NewLikeDeduper(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	engine.deduper = deduper
	return engine, nil
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// Ranking returns the most-liked ranking for pull-style HTTP callers.
func (e *Engine) Ranking(ctx context.Context) ([]CommentView, error) {
	return e.broadcaster.Ranking(ctx)
}

// Connect binds the resolved identity to a new connection and brings it up to
// date, either from the recovery journal or by replaying comments after the offset.
func (e *Engine) Connect(ctx context.Context, sink Sink, request ConnectRequest) (*Connection, error) {
	if sink == nil {
		return nil, errMissingSink
	}
	identity := e.resolveIdentity(ctx, request.Token)
	offset := request.Offset
	if offset < 0 {
		offset = 0
	}

	conn, recovered, err := e.tryRecover(ctx, sink, identity, offset, request)
	if err != nil {
		return nil, err
	}
	if recovered {
		return conn, nil
	}

	id := ulid.Make().String()
	if err := sink.Send(ctx, sessionEvent(id)); err != nil {
		return nil, err
	}
	return e.registry.Register(ctx, Registration{
		ID:       id,
		Sink:     sink,
		Identity: identity,
		Offset:   offset,
	})
}

// Disconnect removes the connection and keeps its position for the recovery window.
func (e *Engine) Disconnect(conn *Connection) {
	if conn == nil {
		return
	}
	if _, ok := e.registry.Unregister(conn.ID()); !ok {
		return
	}
	e.sessions.park(conn.ID(), parkedSession{identity: conn.Identity()})
}

// HandleEvent processes one inbound event. Failures are logged, the event is
// dropped, and the sender receives an error event.
func (e *Engine) HandleEvent(ctx context.Context, conn *Connection, event InboundEvent) error {
	if conn == nil {
		return ErrConnectionClosed
	}
	var err error
	switch event.Name {
	case EventMessage:
		err = e.handleMessage(ctx, conn, event.Data)
	case EventLike:
		err = e.handleLike(ctx, conn, event.Data)
	case EventMostLiked:
		err = e.handleMostLiked(ctx, conn)
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrValidation, event.Name)
	}
	if err == nil {
		return nil
	}

	fields := []zap.Field{
		zap.String("event", event.Name),
		zap.String("connection_id", conn.ID()),
		zap.String("username", conn.Username()),
		zap.String("code", ErrorCode(err)),
		zap.Error(err),
	}
	var storeErr *comments.StoreError
	if errors.As(err, &storeErr) {
		fields = append(fields, zap.String("store_code", storeErr.Code()))
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrAuthenticationRequired) {
		e.logger.Warn("feed event rejected", fields...)
	} else {
		e.logger.Error("feed event failed", fields...)
	}
	conn.deliver(errorEvent(event.Name, err))
	return err
}

func (e *Engine) handleMessage(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity := conn.Identity()
	if identity.Anonymous() {
		return ErrAuthenticationRequired
	}
	text, err := e.decodeText(data)
	if err != nil {
		return err
	}
	userID, err := e.store.GetUserID(ctx, identity.Username)
	if err != nil {
		return err
	}
	comment, err := e.store.InsertComment(ctx, userID, text)
	if err != nil {
		return err
	}
	e.broadcaster.PublishComment(comment, identity.Username)
	return nil
}

func (e *Engine) handleLike(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity := conn.Identity()
	if identity.Anonymous() {
		return ErrAuthenticationRequired
	}
	commentID, err := decodeCommentID(data)
	if err != nil {
		return err
	}
	userID, err := e.store.GetUserID(ctx, identity.Username)
	if err != nil {
		return err
	}
	result, err := e.deduper.ToggleLike(ctx, userID, commentID)
	if err != nil {
		return err
	}
	e.broadcaster.PublishLikeChange(conn, commentID, result)
	return nil
}

func (e *Engine) handleMostLiked(ctx context.Context, conn *Connection) error {
	if e.mostLikedScope == MostLikedRequester {
		return e.broadcaster.PublishMostLiked(ctx, conn)
	}
	return e.broadcaster.PublishMostLiked(ctx, nil)
}

func (e *Engine) replayFresh(ctx context.Context, conn *Connection) {
	if err := e.broadcaster.Replay(ctx, conn, conn.Offset()); err != nil {
		e.logger.Error("replay failed",
			zap.String("connection_id", conn.ID()),
			zap.Int64("offset", conn.Offset()),
			zap.Error(err))
	}
}

// tryRecover resumes a parked session from the seq the client reports, never
// from the position the server last queued.
func (e *Engine) tryRecover(ctx context.Context, sink Sink, identity auth.Identity, offset int64, request ConnectRequest) (*Connection, bool, error) {
	if !request.HasSeq {
		return nil, false, nil
	}
	parked, ok := e.sessions.claim(request.SessionID)
	if !ok || parked.identity.UserID != identity.UserID {
		return nil, false, nil
	}
	lastSeq := request.LastSeq

	conn, missed, ok, err := e.broadcaster.recover(lastSeq, func() (*Connection, error) {
		return e.registry.Register(ctx, Registration{
			ID:        request.SessionID,
			Sink:      sink,
			Identity:  identity,
			Offset:    offset,
			Recovered: true,
			Hold:      true,
		})
	})
	if err != nil || !ok {
		return nil, false, err
	}

	if err := conn.sendBacklog(ctx, sessionEvent(conn.ID())); err != nil {
		e.registry.Unregister(conn.ID())
		return nil, false, err
	}
	for _, event := range missed {
		if err := conn.sendBacklog(ctx, event); err != nil {
			e.registry.Unregister(conn.ID())
			return nil, false, err
		}
	}
	if err := conn.finishReplay(ctx, nil); err != nil {
		e.registry.Unregister(conn.ID())
		return nil, false, err
	}
	e.logger.Debug("session recovered",
		zap.String("connection_id", conn.ID()),
		zap.Uint64("last_seq", lastSeq),
		zap.Int("missed", len(missed)))
	return conn, true, nil
}

func (e *Engine) resolveIdentity(ctx context.Context, token string) auth.Identity {
	if e.resolver == nil || strings.TrimSpace(token) == "" {
		return auth.Identity{}
	}
	identity, err := e.resolver.ResolveIdentity(ctx, token)
	if err != nil {
		e.logger.Debug("connection credential rejected, continuing anonymously", zap.Error(err))
		return auth.Identity{}
	}
	return identity
}

func (e *Engine) decodeText(data json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return "", fmt.Errorf("%w: message must be a string", ErrValidation)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: message must not be empty", ErrValidation)
	}
	if utf8.RuneCountInString(text) > e.maxCommentLength {
		return "", fmt.Errorf("%w: message exceeds %d characters", ErrValidation, e.maxCommentLength)
	}
	return text, nil
}

// decodeCommentID accepts a JSON number or a numeric string.
func decodeCommentID(data json.RawMessage) (int64, error) {
	var number int64
	if err := json.Unmarshal(data, &number); err == nil {
		if number <= 0 {
			return 0, fmt.Errorf("%w: comment id must be positive", ErrValidation)
		}
		return number, nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return 0, fmt.Errorf("%w: comment id must be a number", ErrValidation)
	}
	number, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil || number <= 0 {
		return 0, fmt.Errorf("%w: comment id must be a positive integer", ErrValidation)
	}
	return number, nil
}
