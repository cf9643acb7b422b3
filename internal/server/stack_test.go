package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/users"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const frameWait = 2 * time.Second

type testStack struct {
	server   *httptest.Server
	sessions *auth.Service
}

type loginResult struct {
	AccessToken   string
	RefreshCookie *http.Cookie
}

type wireFrame struct {
	Event string `json:"event"`
	Args  []any  `json:"args"`
	Seq   uint64 `json:"seq"`
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	db, err := gorm.Open(githubsqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&users.User{}, &comments.Comment{}, &comments.Like{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	accounts, err := users.NewService(users.ServiceConfig{Database: db, BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("failed to construct account service: %v", err)
	}
	sessions, err := auth.NewService(auth.ServiceConfig{
		AccessSecret:  []byte("test-access-secret"),
		RefreshSecret: []byte("test-refresh-secret"),
	})
	if err != nil {
		t.Fatalf("failed to construct session authority: %v", err)
	}
	store, err := comments.NewGormStore(comments.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	engine, err := feed.NewEngine(feed.EngineConfig{Store: store, Resolver: sessions})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Accounts: accounts,
		Sessions: sessions,
		Engine:   engine,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testStack{server: server, sessions: sessions}
}

func (s *testStack) postJSON(t *testing.T, path string, body any, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode body: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, s.server.URL+path, bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request to %s failed: %v", path, err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func (s *testStack) registerAndLogin(t *testing.T, username, password string) loginResult {
	t.Helper()
	credentials := map[string]string{"username": username, "password": password}
	registered := s.postJSON(t, "/auth/register", credentials)
	if registered.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected register status: %d", registered.StatusCode)
	}

	loggedIn := s.postJSON(t, "/auth/login", credentials)
	if loggedIn.StatusCode != http.StatusOK {
		t.Fatalf("unexpected login status: %d", loggedIn.StatusCode)
	}
	var payload loginResponsePayload
	if err := json.NewDecoder(loggedIn.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	if payload.User.Username != username || payload.AccessToken == "" {
		t.Fatalf("unexpected login payload: %+v", payload)
	}
	result := loginResult{AccessToken: payload.AccessToken}
	for _, cookie := range loggedIn.Cookies() {
		if cookie.Name == s.sessions.RefreshCookieName() {
			result.RefreshCookie = cookie
		}
	}
	if result.RefreshCookie == nil || !result.RefreshCookie.HttpOnly {
		t.Fatalf("expected http-only refresh cookie on login")
	}
	return result
}

func (s *testStack) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/feed/ws"
	if query != "" {
		url += "?" + query
	}
	ws, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial feed socket: %v", err)
	}
	if response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected handshake status: %d", response.StatusCode)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) wireFrame {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(frameWait)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	var frame wireFrame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return frame
}

func readNamed(t *testing.T, ws *websocket.Conn, event string) wireFrame {
	t.Helper()
	frame := readFrame(t, ws)
	if frame.Event != event {
		t.Fatalf("expected %q frame, got %+v", event, frame)
	}
	return frame
}

func sendFrame(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	frame := map[string]any{"event": event}
	if data != nil {
		frame["data"] = data
	}
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("failed to write %q frame: %v", event, err)
	}
}
