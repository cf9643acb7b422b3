package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	BcryptCost int
	Logger     *zap.Logger
}

// Service registers accounts and verifies passwords.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
	cost       int
	logger     *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("users: bcrypt cost %d out of range", cost)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: idProvider,
		cost:       cost,
		logger:     logger,
	}, nil
}

// Register creates a new account and returns it.
func (s *Service) Register(ctx context.Context, input Credentials) (User, error) {
	creds, err := input.Validate()
	if err != nil {
		return User{}, err
	}

	if _, err := s.FindByUsername(ctx, creds.Username); err == nil {
		return User{}, ErrDuplicateUser
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), s.cost)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return User{}, fmt.Errorf("users: generate id: %w", err)
	}

	user := User{
		ID:           id,
		Username:     creds.Username,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		// a concurrent registration may have claimed the name between lookup and insert
		if _, lookupErr := s.FindByUsername(ctx, creds.Username); lookupErr == nil {
			return User{}, ErrDuplicateUser
		}
		return User{}, fmt.Errorf("users: create user: %w", err)
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	return user, nil
}

// Login verifies the password for the username and returns the account.
func (s *Service) Login(ctx context.Context, input Credentials) (User, error) {
	creds, err := input.Validate()
	if err != nil {
		return User{}, err
	}
	user, err := s.FindByUsername(ctx, creds.Username)
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, fmt.Errorf("users: compare password: %w", err)
	}
	return user, nil
}

// FindByUsername loads the account with the given username.
func (s *Service) FindByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Where("username = ?", normalize(username)).
		Take(&user).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("users: find user: %w", err)
	}
	return user, nil
}
