package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	defaultIssuer            = "commentfeed-auth"
	accessAudience           = "commentfeed-api"
	refreshAudience          = "commentfeed-refresh"
	defaultAccessTTL         = time.Hour
	defaultRefreshTTL        = 7 * 24 * time.Hour
	defaultRefreshCookieName = "refresh_token"
	accessTokenQueryParam    = "access_token"
)

var (
	ErrMissingAccessSecret  = errors.New("auth service: access signing secret required")
	ErrMissingRefreshSecret = errors.New("auth service: refresh signing secret required")
	ErrMissingCredential    = errors.New("auth service: credential required")
)

// Session is a freshly issued access/refresh token pair.
type Session struct {
	AccessToken      string
	AccessExpiresIn  int64
	RefreshToken     string
	RefreshExpiresIn int64
}

// ServiceConfig describes both token families.
type ServiceConfig struct {
	AccessSecret      []byte
	RefreshSecret     []byte
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	RefreshCookieName string
	Clock             func() time.Time
}

// Service issues, rotates and resolves access and refresh tokens.
type Service struct {
	access     *TokenIssuer
	refresh    *TokenIssuer
	cookieName string
}

// NewService constructs the service with defaults for unset lifetimes.
func NewService(cfg ServiceConfig) (*Service, error) {
	if len(cfg.AccessSecret) == 0 {
		return nil, ErrMissingAccessSecret
	}
	if len(cfg.RefreshSecret) == 0 {
		return nil, ErrMissingRefreshSecret
	}
	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	cookieName := strings.TrimSpace(cfg.RefreshCookieName)
	if cookieName == "" {
		cookieName = defaultRefreshCookieName
	}

	access, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: cfg.AccessSecret,
		Issuer:        defaultIssuer,
		Audience:      accessAudience,
		TokenTTL:      accessTTL,
		Clock:         cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	refresh, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: cfg.RefreshSecret,
		Issuer:        defaultIssuer,
		Audience:      refreshAudience,
		TokenTTL:      refreshTTL,
		Clock:         cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	return &Service{access: access, refresh: refresh, cookieName: cookieName}, nil
}

// RefreshCookieName returns the cookie carrying the refresh token.
func (s *Service) RefreshCookieName() string {
	return s.cookieName
}

// RefreshTTL returns the refresh token lifetime, used as the cookie max age.
func (s *Service) RefreshTTL() time.Duration {
	return s.refresh.TTL()
}

// IssueSession signs a new access/refresh pair for the identity.
func (s *Service) IssueSession(ctx context.Context, identity Identity) (Session, error) {
	accessToken, accessExpiresIn, err := s.access.Issue(ctx, identity)
	if err != nil {
		return Session{}, err
	}
	refreshToken, refreshExpiresIn, err := s.refresh.Issue(ctx, identity)
	if err != nil {
		return Session{}, err
	}
	return Session{
		AccessToken:      accessToken,
		AccessExpiresIn:  accessExpiresIn,
		RefreshToken:     refreshToken,
		RefreshExpiresIn: refreshExpiresIn,
	}, nil
}

// RotateRefresh validates a refresh token and issues a replacement pair.
func (s *Service) RotateRefresh(ctx context.Context, refreshToken string) (Identity, Session, error) {
	identity, err := s.refresh.Validate(refreshToken)
	if err != nil {
		return Identity{}, Session{}, err
	}
	session, err := s.IssueSession(ctx, identity)
	if err != nil {
		return Identity{}, Session{}, err
	}
	return identity, session, nil
}

// ResolveIdentity accepts either an access token or a refresh token.
func (s *Service) ResolveIdentity(_ context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrMissingCredential
	}
	identity, accessErr := s.access.Validate(token)
	if accessErr == nil {
		return identity, nil
	}
	identity, refreshErr := s.refresh.Validate(token)
	if refreshErr == nil {
		return identity, nil
	}
	return Identity{}, accessErr
}

// CredentialFromRequest extracts a token from the Authorization header, the
// access_token query parameter, or the refresh cookie, in that order.
func (s *Service) CredentialFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam)); token != "" {
		return token
	}
	cookie, err := r.Cookie(s.cookieName)
	if err != nil || cookie == nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
