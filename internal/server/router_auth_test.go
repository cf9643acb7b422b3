package server

import (
	contextpkg "context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/me", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionAuthority{resolveErr: auth.ErrExpiredToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusForbidden)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/me", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionAuthority{resolveErr: errors.New("signature mismatch")},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusForbidden)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestWithoutCredentialIsForbidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/me", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{sessions: stubSessionAuthority{}, logger: zap.New(core)}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusForbidden)
	}
	if logs.Len() != 0 {
		t.Fatalf("did not expect log entries for a missing credential, got %d", logs.Len())
	}
}

func TestRegisterLoginAndMeFlow(t *testing.T) {
	stack := newTestStack(t)
	login := stack.registerAndLogin(t, "carol", "carol-password")

	request, err := http.NewRequest(http.MethodGet, stack.server.URL+"/me", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+login.AccessToken)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("me request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected me status: %d", response.StatusCode)
	}
	var payload struct {
		User users.PublicUser `json:"user"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode me response: %v", err)
	}
	if payload.User.Username != "carol" || payload.User.ID == "" {
		t.Fatalf("unexpected identity: %+v", payload.User)
	}

	anonymous, err := http.Get(stack.server.URL + "/me")
	if err != nil {
		t.Fatalf("anonymous me request failed: %v", err)
	}
	defer anonymous.Body.Close()
	if anonymous.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status %d without a session, got %d", http.StatusForbidden, anonymous.StatusCode)
	}
}

func TestRegisterRejectsInvalidAndDuplicateAccounts(t *testing.T) {
	stack := newTestStack(t)
	stack.registerAndLogin(t, "dave", "dave-password")

	testCases := []struct {
		name     string
		body     map[string]string
		expected string
	}{
		{name: "short username", body: map[string]string{"username": "dv", "password": "long-enough"}, expected: "validation_error"},
		{name: "short password", body: map[string]string{"username": "dave2", "password": "short"}, expected: "validation_error"},
		{name: "duplicate", body: map[string]string{"username": "dave", "password": "dave-password"}, expected: "duplicate_user"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			response := stack.postJSON(t, "/auth/register", testCase.body)
			if response.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.StatusCode)
			}
			var payload map[string]string
			if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
				t.Fatalf("failed to decode error: %v", err)
			}
			if payload["error"] != testCase.expected {
				t.Fatalf("expected error %q, got %q", testCase.expected, payload["error"])
			}
		})
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	stack := newTestStack(t)
	stack.registerAndLogin(t, "erin", "erin-password")

	response := stack.postJSON(t, "/auth/login", map[string]string{"username": "erin", "password": "not-the-password"})
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, response.StatusCode)
	}
	if len(response.Cookies()) != 0 {
		t.Fatalf("did not expect cookies on failed login")
	}
}

func TestRefreshRotatesCookieAndLogoutClearsIt(t *testing.T) {
	stack := newTestStack(t)
	login := stack.registerAndLogin(t, "frank", "frank-password")

	refreshed := stack.postJSON(t, "/auth/refresh", nil, login.RefreshCookie)
	if refreshed.StatusCode != http.StatusOK {
		t.Fatalf("unexpected refresh status: %d", refreshed.StatusCode)
	}
	var payload refreshResponsePayload
	if err := json.NewDecoder(refreshed.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode refresh response: %v", err)
	}
	if payload.AccessToken == "" || payload.TokenType != "Bearer" {
		t.Fatalf("unexpected refresh payload: %+v", payload)
	}
	if !hasCookie(refreshed, stack.sessions.RefreshCookieName()) {
		t.Fatalf("expected rotated refresh cookie")
	}

	missing := stack.postJSON(t, "/auth/refresh", nil)
	if missing.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status %d without cookie, got %d", http.StatusUnauthorized, missing.StatusCode)
	}

	loggedOut := stack.postJSON(t, "/auth/logout", nil, login.RefreshCookie)
	if loggedOut.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected logout status: %d", loggedOut.StatusCode)
	}
	cleared := false
	for _, cookie := range loggedOut.Cookies() {
		if cookie.Name == stack.sessions.RefreshCookieName() && cookie.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("expected logout to clear the refresh cookie")
	}
}

func TestRequestsWithRefreshCookieReceiveRotatedCookie(t *testing.T) {
	stack := newTestStack(t)
	login := stack.registerAndLogin(t, "grace", "grace-password")

	request, err := http.NewRequest(http.MethodGet, stack.server.URL+"/most-liked-comments", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.AddCookie(login.RefreshCookie)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("ranking request failed: %v", err)
	}
	defer response.Body.Close()
	if !hasCookie(response, stack.sessions.RefreshCookieName()) {
		t.Fatalf("expected refresh cookie to be re-issued")
	}
}

func hasCookie(response *http.Response, name string) bool {
	for _, cookie := range response.Cookies() {
		if cookie.Name == name && strings.TrimSpace(cookie.Value) != "" {
			return true
		}
	}
	return false
}

type stubSessionAuthority struct {
	resolveErr error
}

func (s stubSessionAuthority) IssueSession(contextpkg.Context, auth.Identity) (auth.Session, error) {
	return auth.Session{}, errors.New("not implemented")
}

func (s stubSessionAuthority) RotateRefresh(contextpkg.Context, string) (auth.Identity, auth.Session, error) {
	return auth.Identity{}, auth.Session{}, errors.New("not implemented")
}

func (s stubSessionAuthority) ResolveIdentity(contextpkg.Context, string) (auth.Identity, error) {
	return auth.Identity{}, s.resolveErr
}

func (s stubSessionAuthority) CredentialFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func (s stubSessionAuthority) RefreshCookieName() string {
	return "refresh_token"
}

func (s stubSessionAuthority) RefreshTTL() time.Duration {
	return time.Hour
}
