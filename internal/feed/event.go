package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/comments"
)

// Event names shared by the inbound and outbound protocol.
const (
	EventMessage   = "message"
	EventLike      = "like"
	EventMostLiked = "most-liked"
	EventSession   = "session"
	EventError     = "error"
)

// TimestampLayout formats comment creation times on the wire.
const TimestampLayout = time.DateTime

// InboundEvent is a client-originated event.
type InboundEvent struct {
	Name string
	Data json.RawMessage
}

// OutboundEvent is a server-originated event. Seq is non-zero only for events
// fanned out to every connection; those are retained in the recovery journal.
type OutboundEvent struct {
	Name string
	Args []any
	Seq  uint64
}

// Sink is the per-connection outbound queue provided by the transport.
type Sink interface {
	// TrySend enqueues without blocking and reports false when the queue is full or closed.
	TrySend(event OutboundEvent) bool
	// Send blocks until the event is queued, the sink closes, or ctx is done.
	Send(ctx context.Context, event OutboundEvent) error
	// Close shuts the transport down; it must not block.
	Close()
}

// CommentView is a comment joined with its author's username.
type CommentView struct {
	ID        int64
	Text      string
	Username  string
	LikeCount int64
	CreatedAt time.Time
}

func newCommentView(comment comments.Comment, username string) CommentView {
	return CommentView{
		ID:        comment.ID,
		Text:      comment.Text,
		Username:  username,
		LikeCount: comment.LikeCount,
		CreatedAt: comment.CreatedAt,
	}
}

func (v CommentView) args() []any {
	return []any{v.Text, v.ID, v.Username, v.LikeCount, v.CreatedAt.UTC().Format(TimestampLayout)}
}

func messageEvent(view CommentView) OutboundEvent {
	return OutboundEvent{Name: EventMessage, Args: view.args()}
}

func mostLikedEvent(view CommentView) OutboundEvent {
	return OutboundEvent{Name: EventMostLiked, Args: view.args()}
}

func likeEvent(result LikeResult, commentID int64) OutboundEvent {
	return OutboundEvent{Name: EventLike, Args: []any{result.LikeCount, commentID, result.NowLiked}}
}

func sessionEvent(connectionID string) OutboundEvent {
	return OutboundEvent{Name: EventSession, Args: []any{connectionID}}
}

func errorEvent(inbound string, err error) OutboundEvent {
	code := ErrorCode(err)
	return OutboundEvent{Name: EventError, Args: []any{inbound, code, errorMessages[code]}}
}

// commentIDOf returns the comment id carried by a message event.
func commentIDOf(event OutboundEvent) (int64, bool) {
	if event.Name != EventMessage || len(event.Args) < 2 {
		return 0, false
	}
	id, ok := event.Args[1].(int64)
	return id, ok
}
