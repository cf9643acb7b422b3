package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const identityContextKey = "commentfeed_identity"

var (
	errMissingAccounts = errors.New("account service dependency required")
	errMissingSessions = errors.New("session authority dependency required")
	errMissingEngine   = errors.New("feed engine dependency required")
)

// AccountService registers and authenticates users.
type AccountService interface {
	Register(ctx context.Context, input users.Credentials) (users.User, error)
	Login(ctx context.Context, input users.Credentials) (users.User, error)
}

// SessionAuthority issues and validates access and refresh tokens.
type SessionAuthority interface {
	IssueSession(ctx context.Context, identity auth.Identity) (auth.Session, error)
	RotateRefresh(ctx context.Context, refreshToken string) (auth.Identity, auth.Session, error)
	ResolveIdentity(ctx context.Context, token string) (auth.Identity, error)
	CredentialFromRequest(r *http.Request) string
	RefreshCookieName() string
	RefreshTTL() time.Duration
}

// FeedEngine is the realtime surface exposed over the websocket.
type FeedEngine interface {
	Connect(ctx context.Context, sink feed.Sink, request feed.ConnectRequest) (*feed.Connection, error)
	Disconnect(conn *feed.Connection)
	HandleEvent(ctx context.Context, conn *feed.Connection, event feed.InboundEvent) error
	Ranking(ctx context.Context) ([]feed.CommentView, error)
}

type Dependencies struct {
	Accounts       AccountService
	Sessions       SessionAuthority
	Engine         FeedEngine
	Logger         *zap.Logger
	Realtime       RealtimeConfig
	AllowedOrigins []string
	SecureCookies  bool
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		accounts:      deps.Accounts,
		sessions:      deps.Sessions,
		engine:        deps.Engine,
		logger:        logger,
		realtime:      deps.Realtime.withDefaults(),
		upgrader:      newUpgrader(deps.AllowedOrigins),
		secureCookies: deps.SecureCookies,
	}
	router.Use(handler.rotateRefreshCookie)

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/refresh", handler.handleRefresh)
	router.POST("/auth/logout", handler.handleLogout)
	router.GET("/most-liked-comments", handler.handleMostLiked)
	router.GET("/feed/ws", handler.handleFeedSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		AllowWebSockets:  true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		config.AllowOrigins = allowedOrigins
	} else {
		// credentials rule out the "*" origin, so the request origin is echoed back
		config.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(config)
}

type httpHandler struct {
	accounts      AccountService
	sessions      SessionAuthority
	engine        FeedEngine
	logger        *zap.Logger
	realtime      RealtimeConfig
	upgrader      websocket.Upgrader
	secureCookies bool
}

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerResponsePayload struct {
	ID string `json:"id"`
}

type loginResponsePayload struct {
	User        users.PublicUser `json:"user"`
	AccessToken string           `json:"access_token"`
	ExpiresIn   int64            `json:"expires_in"`
	TokenType   string           `json:"token_type"`
}

type refreshResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type commentPayload struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	Username  string `json:"username"`
	LikeCount int64  `json:"likeCount"`
	CreatedAt string `json:"createdAt"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	user, err := h.accounts.Register(c.Request.Context(), users.Credentials{
		Username: request.Username,
		Password: request.Password,
	})
	switch {
	case err == nil:
	case errors.Is(err, users.ErrInvalidInput):
		respondError(c, http.StatusBadRequest, "validation_error", strings.TrimPrefix(err.Error(), users.ErrInvalidInput.Error()+": "))
		return
	case errors.Is(err, users.ErrDuplicateUser):
		respondError(c, http.StatusBadRequest, "duplicate_user", "username is already taken")
		return
	default:
		h.logger.Error("failed to register user", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "registration_failed", "could not create the account")
		return
	}
	c.JSON(http.StatusCreated, registerResponsePayload{ID: user.ID})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	user, err := h.accounts.Login(c.Request.Context(), users.Credentials{
		Username: request.Username,
		Password: request.Password,
	})
	switch {
	case err == nil:
	case errors.Is(err, users.ErrInvalidInput):
		respondError(c, http.StatusBadRequest, "validation_error", strings.TrimPrefix(err.Error(), users.ErrInvalidInput.Error()+": "))
		return
	case errors.Is(err, users.ErrUserNotFound), errors.Is(err, users.ErrInvalidCredentials):
		h.logger.Info("login rejected", zap.String("username", request.Username), zap.Error(err))
		respondError(c, http.StatusUnauthorized, "invalid_credentials", "username or password is incorrect")
		return
	default:
		h.logger.Error("failed to log in user", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "login_failed", "could not log in")
		return
	}

	identity := auth.Identity{UserID: user.ID, Username: user.Username}
	session, err := h.sessions.IssueSession(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to issue session", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "token_issue_failed", "could not issue tokens")
		return
	}
	h.setRefreshCookie(c, session.RefreshToken)
	c.JSON(http.StatusOK, loginResponsePayload{
		User:        user.Public(),
		AccessToken: session.AccessToken,
		ExpiresIn:   session.AccessExpiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	token, err := c.Cookie(h.sessions.RefreshCookieName())
	if err != nil || strings.TrimSpace(token) == "" {
		respondError(c, http.StatusUnauthorized, "unauthorized", "refresh cookie missing")
		return
	}
	_, session, err := h.sessions.RotateRefresh(c.Request.Context(), token)
	if err != nil {
		h.logTokenFailure("refresh token rejected", err)
		h.clearRefreshCookie(c)
		respondError(c, http.StatusUnauthorized, "unauthorized", "refresh token is invalid or expired")
		return
	}
	h.setRefreshCookie(c, session.RefreshToken)
	c.JSON(http.StatusOK, refreshResponsePayload{
		AccessToken: session.AccessToken,
		ExpiresIn:   session.AccessExpiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.clearRefreshCookie(c)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMe(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		respondError(c, http.StatusForbidden, "forbidden", "no active session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": users.PublicUser{ID: identity.UserID, Username: identity.Username}})
}

func (h *httpHandler) handleMostLiked(c *gin.Context) {
	views, err := h.engine.Ranking(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load most liked comments", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, comments.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		respondError(c, status, feed.ErrorCode(err), "could not load comments")
		return
	}
	result := make([]commentPayload, 0, len(views))
	for _, view := range views {
		result = append(result, commentPayload{
			ID:        view.ID,
			Text:      view.Text,
			Username:  view.Username,
			LikeCount: view.LikeCount,
			CreatedAt: view.CreatedAt.UTC().Format(feed.TimestampLayout),
		})
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *httpHandler) handleFeedSocket(c *gin.Context) {
	request, err := parseConnectRequest(c.Request)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	request.Token = h.sessions.CredentialFromRequest(c.Request)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, upgradeHeader(c.Writer.Header()))
	if err != nil {
		// the upgrader has already written the failure response
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	session := newFeedSession(c.Request.Context(), ws, h.realtime, h.logger)
	session.serve(h.engine, request)
}

// authorizeRequest resolves the caller's identity from any supported credential.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := h.sessions.CredentialFromRequest(c.Request)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "no active session"})
		return
	}
	identity, err := h.sessions.ResolveIdentity(c.Request.Context(), token)
	if err != nil {
		h.logTokenFailure("token validation failed", err)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "no active session"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

// rotateRefreshCookie re-issues the refresh cookie on every request that carries a valid one.
func (h *httpHandler) rotateRefreshCookie(c *gin.Context) {
	path := c.Request.URL.Path
	if path == "/auth/logout" || path == "/auth/refresh" {
		c.Next()
		return
	}
	token, err := c.Cookie(h.sessions.RefreshCookieName())
	if err != nil || strings.TrimSpace(token) == "" {
		c.Next()
		return
	}
	_, session, err := h.sessions.RotateRefresh(c.Request.Context(), token)
	if err != nil {
		h.logTokenFailure("refresh cookie rotation skipped", err)
		c.Next()
		return
	}
	h.setRefreshCookie(c, session.RefreshToken)
	c.Next()
}

func (h *httpHandler) setRefreshCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.RefreshCookieName(), token, int(h.sessions.RefreshTTL().Seconds()), "/", "", h.secureCookies, true)
}

func (h *httpHandler) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.RefreshCookieName(), "", -1, "/", "", h.secureCookies, true)
}

// logTokenFailure keeps routine expiry at info level and everything else at warn.
func (h *httpHandler) logTokenFailure(message string, err error) {
	if errors.Is(err, auth.ErrExpiredToken) {
		h.logger.Info(message, zap.Error(err))
		return
	}
	h.logger.Warn(message, zap.Error(err))
}

func identityFromContext(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	if !ok || identity.Anonymous() {
		return auth.Identity{}, false
	}
	return identity, true
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}
