package comments

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("database handle is required")

// Store is the persistence surface consumed by the feed engine.
type Store interface {
	InsertComment(ctx context.Context, userID, text string) (Comment, error)
	GetComment(ctx context.Context, commentID int64) (Comment, error)
	// GetComments returns comments with id greater than sinceID in ascending id order.
	GetComments(ctx context.Context, sinceID int64) ([]Comment, error)
	// GetRanking returns all comments by like count descending, oldest first on ties.
	GetRanking(ctx context.Context) ([]Comment, error)
	LikeExists(ctx context.Context, userID string, commentID int64) (bool, error)
	InsertLike(ctx context.Context, userID string, commentID int64) error
	DeleteLike(ctx context.Context, userID string, commentID int64) error
	// UpdateLikeCount applies delta and returns the resulting count.
	UpdateLikeCount(ctx context.Context, commentID int64, delta int64) (int64, error)
	GetUsername(ctx context.Context, userID string) (string, error)
	GetUserID(ctx context.Context, username string) (string, error)
	// Transaction runs fn against a store bound to a single database transaction.
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

// StoreConfig describes the dependencies of the gorm-backed store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore implements Store on top of gorm.
type GormStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormStore validates the configuration and constructs the store.
func NewGormStore(cfg StoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (s *GormStore) InsertComment(ctx context.Context, userID, text string) (Comment, error) {
	comment := Comment{
		UserID:    userID,
		Text:      text,
		LikeCount: 0,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		s.logError(opInsertComment, err, zap.String("user_id", userID))
		return Comment{}, unavailable(opInsertComment, err)
	}
	return comment, nil
}

func (s *GormStore) GetComment(ctx context.Context, commentID int64) (Comment, error) {
	var comment Comment
	err := s.db.WithContext(ctx).
		Where("comment_id = ?", commentID).
		Take(&comment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Comment{}, domainError(opGetComment, "not_found", ErrCommentNotFound)
	}
	if err != nil {
		s.logError(opGetComment, err, zap.Int64("comment_id", commentID))
		return Comment{}, unavailable(opGetComment, err)
	}
	return comment, nil
}

func (s *GormStore) GetComments(ctx context.Context, sinceID int64) ([]Comment, error) {
	var rows []Comment
	if err := s.db.WithContext(ctx).
		Where("comment_id > ?", sinceID).
		Order("comment_id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opGetComments, err, zap.Int64("since_id", sinceID))
		return nil, unavailable(opGetComments, err)
	}
	return rows, nil
}

func (s *GormStore) GetRanking(ctx context.Context) ([]Comment, error) {
	var rows []Comment
	if err := s.db.WithContext(ctx).
		Order("num_likes DESC").
		Order("comment_id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opGetRanking, err)
		return nil, unavailable(opGetRanking, err)
	}
	return rows, nil
}

func (s *GormStore) LikeExists(ctx context.Context, userID string, commentID int64) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Like{}).
		Where("user_id = ? AND comment_id = ?", userID, commentID).
		Count(&count).Error; err != nil {
		s.logError(opLikeExists, err, zap.String("user_id", userID), zap.Int64("comment_id", commentID))
		return false, unavailable(opLikeExists, err)
	}
	return count > 0, nil
}

func (s *GormStore) InsertLike(ctx context.Context, userID string, commentID int64) error {
	like := Like{UserID: userID, CommentID: commentID, CreatedAt: s.clock().UTC()}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&like)
	if result.Error != nil {
		s.logError(opInsertLike, result.Error, zap.String("user_id", userID), zap.Int64("comment_id", commentID))
		return unavailable(opInsertLike, result.Error)
	}
	if result.RowsAffected == 0 {
		return domainError(opInsertLike, "duplicate", ErrLikeExists)
	}
	return nil
}

func (s *GormStore) DeleteLike(ctx context.Context, userID string, commentID int64) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND comment_id = ?", userID, commentID).
		Delete(&Like{})
	if result.Error != nil {
		s.logError(opDeleteLike, result.Error, zap.String("user_id", userID), zap.Int64("comment_id", commentID))
		return unavailable(opDeleteLike, result.Error)
	}
	if result.RowsAffected == 0 {
		return domainError(opDeleteLike, "not_found", ErrLikeNotFound)
	}
	return nil
}

func (s *GormStore) UpdateLikeCount(ctx context.Context, commentID int64, delta int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Comment{}).
		Where("comment_id = ? AND num_likes + ? >= 0", commentID, delta).
		UpdateColumn("num_likes", gorm.Expr("num_likes + ?", delta))
	if result.Error != nil {
		s.logError(opUpdateLikeCount, result.Error, zap.Int64("comment_id", commentID), zap.Int64("delta", delta))
		return 0, unavailable(opUpdateLikeCount, result.Error)
	}

	comment, err := s.GetComment(ctx, commentID)
	if err != nil {
		return 0, err
	}
	if result.RowsAffected == 0 {
		return comment.LikeCount, domainError(opUpdateLikeCount, "negative", ErrNegativeLikeCount)
	}
	return comment.LikeCount, nil
}

func (s *GormStore) GetUsername(ctx context.Context, userID string) (string, error) {
	var user users.User
	err := s.db.WithContext(ctx).
		Select("id", "username").
		Where("id = ?", userID).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domainError(opGetUsername, "not_found", users.ErrUserNotFound)
	}
	if err != nil {
		s.logError(opGetUsername, err, zap.String("user_id", userID))
		return "", unavailable(opGetUsername, err)
	}
	return user.Username, nil
}

func (s *GormStore) GetUserID(ctx context.Context, username string) (string, error) {
	var user users.User
	err := s.db.WithContext(ctx).
		Select("id", "username").
		Where("username = ?", username).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domainError(opGetUserID, "not_found", users.ErrUserNotFound)
	}
	if err != nil {
		s.logError(opGetUserID, err, zap.String("username", username))
		return "", unavailable(opGetUserID, err)
	}
	return user.ID, nil
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&GormStore{db: tx, clock: s.clock, logger: s.logger})
		return fnErr
	})
	if err == nil {
		return nil
	}
	if fnErr != nil {
		return fnErr
	}
	s.logError(opTransaction, err)
	return unavailable(opTransaction, err)
}

func (s *GormStore) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation)}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("comment store error", attrs...)
}
