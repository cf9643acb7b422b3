package comments

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCommentNotFound indicates the comment id does not exist.
	ErrCommentNotFound = errors.New("comments: comment not found")
	// ErrStoreUnavailable wraps transient storage failures.
	ErrStoreUnavailable = errors.New("comments: store unavailable")
	// ErrLikeExists indicates the (user, comment) like row is already present.
	ErrLikeExists = errors.New("comments: like already exists")
	// ErrLikeNotFound indicates there is no like row to remove.
	ErrLikeNotFound = errors.New("comments: like not found")
	// ErrNegativeLikeCount indicates a decrement would take the counter below zero.
	ErrNegativeLikeCount = errors.New("comments: like count cannot be negative")
)

// Comment is a persisted feed entry. Ids are assigned by the store and strictly increase.
type Comment struct {
	ID        int64     `gorm:"column:comment_id;primaryKey;autoIncrement"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index"`
	Text      string    `gorm:"column:text_comment;type:text;not null"`
	LikeCount int64     `gorm:"column:num_likes;not null;default:0;index:idx_comments_ranking"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// Like records that a user liked a comment. The composite key keeps one row per pair.
type Like struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	CommentID int64     `gorm:"column:comment_id;primaryKey;autoIncrement:false;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Like) TableName() string {
	return "comment_likes"
}

// StoreError tags a storage failure with the operation that produced it.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opInsertComment   = "comments.insert_comment"
	opGetComment      = "comments.get_comment"
	opGetComments     = "comments.get_comments"
	opGetRanking      = "comments.get_ranking"
	opLikeExists      = "comments.like_exists"
	opInsertLike      = "comments.insert_like"
	opDeleteLike      = "comments.delete_like"
	opUpdateLikeCount = "comments.update_like_count"
	opGetUsername     = "comments.get_username"
	opGetUserID       = "comments.get_user_id"
	opTransaction     = "comments.transaction"
)

// unavailable marks an unexpected database failure as transient.
func unavailable(operation string, cause error) error {
	return &StoreError{
		code: operation + ".query_failed",
		err:  fmt.Errorf("%w: %w", ErrStoreUnavailable, cause),
	}
}

func domainError(operation, reason string, cause error) error {
	return &StoreError{code: operation + "." + reason, err: cause}
}
