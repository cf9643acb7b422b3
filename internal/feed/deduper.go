package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/comments"
	"go.uber.org/zap"
)

// LikeResult is the outcome of a toggle.
type LikeResult struct {
	LikeCount int64
	NowLiked  bool
}

// LikeDeduper flips likes so that each (user, comment) pair holds at most one
// like row and the comment counter always equals the number of rows.
type LikeDeduper struct {
	store  comments.Store
	locks  *keyedMutex
	logger *zap.Logger
}

// NewLikeDeduper constructs a deduper over the store.
func NewLikeDeduper(store comments.Store, logger *zap.Logger) (*LikeDeduper, error) {
	if store == nil {
		return nil, errMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LikeDeduper{store: store, locks: newKeyedMutex(), logger: logger}, nil
}

// ToggleLike adds the like when absent and removes it when present. Toggles
// for the same pair are serialized; different pairs proceed independently.
func (d *LikeDeduper) ToggleLike(ctx context.Context, userID string, commentID int64) (LikeResult, error) {
	if strings.TrimSpace(userID) == "" {
		return LikeResult{}, ErrAuthenticationRequired
	}
	if commentID <= 0 {
		return LikeResult{}, fmt.Errorf("%w: comment id must be positive", ErrValidation)
	}

	unlock := d.locks.Lock(likeKey{userID: userID, commentID: commentID})
	defer unlock()

	var result LikeResult
	err := d.store.Transaction(ctx, func(tx comments.Store) error {
		if _, err := tx.GetComment(ctx, commentID); err != nil {
			return err
		}
		liked, err := tx.LikeExists(ctx, userID, commentID)
		if err != nil {
			return err
		}

		delta := int64(1)
		if liked {
			delta = -1
			if err := tx.DeleteLike(ctx, userID, commentID); err != nil {
				return err
			}
		} else if err := tx.InsertLike(ctx, userID, commentID); err != nil {
			return err
		}

		count, err := tx.UpdateLikeCount(ctx, commentID, delta)
		if err != nil {
			return err
		}
		result = LikeResult{LikeCount: count, NowLiked: !liked}
		return nil
	})
	if err != nil {
		return LikeResult{}, err
	}

	d.logger.Debug("like toggled",
		zap.String("user_id", userID),
		zap.Int64("comment_id", commentID),
		zap.Bool("now_liked", result.NowLiked),
		zap.Int64("like_count", result.LikeCount))
	return result, nil
}
