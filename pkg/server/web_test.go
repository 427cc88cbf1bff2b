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

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystal-mush/chanserv/pkg/boltstore"
	"github.com/crystal-mush/chanserv/pkg/channel"
	"github.com/crystal-mush/chanserv/pkg/events"
	"github.com/crystal-mush/chanserv/pkg/scrollback"
	"github.com/crystal-mush/chanserv/pkg/session"
)

type stack struct {
	web      *WebServer
	mgr      *channel.Manager
	sessions *session.Registry
	auth     *AuthService
	history  *scrollback.Store
}

func newStack(t *testing.T) *stack {
	t.Helper()
	dir := t.TempDir()
	store, err := boltstore.Open(filepath.Join(dir, "chan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	hist, err := scrollback.Open(scrollback.DriverSQLite, filepath.Join(dir, "scrollback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	bus := events.NewBus()
	sessions := session.NewRegistry(bus, nil)
	metrics := NewMetrics(time.Now())
	mgr, err := channel.NewManager(channel.Options{
		Store:            store,
		Index:            store,
		Users:            sessions,
		Publisher:        bus,
		Observer:         metrics,
		MessageRetention: time.Minute,
	})
	require.NoError(t, err)
	metrics.SetSource(mgr, sessions.Count)
	bus.SubscribeGlobal(scrollback.NewWriter(hist, mgr.TrackMessages))

	conf := DefaultConf()
	conf.RateLimit = 0
	auth := NewAuthService("test-secret", 3600)
	web := NewWebServer(conf, WebDeps{
		Manager:  mgr,
		Sessions: sessions,
		Bus:      bus,
		Auth:     auth,
		Metrics:  metrics,
		History:  hist,
	})
	return &stack{web: web, mgr: mgr, sessions: sessions, auth: auth, history: hist}
}

func (s *stack) token(t *testing.T, userID int, name string) string {
	t.Helper()
	tok, err := s.auth.IssueToken(userID, name)
	require.NoError(t, err)
	return tok
}

func (s *stack) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.web.Handler().ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

// create makes a tracked channel owned by user 1 and returns its id.
func (s *stack) create(t *testing.T, owner, name string) int {
	t.Helper()
	code, out := s.do(t, http.MethodPost, "/api/v1/channels", owner, map[string]any{"name": name, "trackMessages": true})
	require.Equal(t, http.StatusOK, code, out)
	return int(out["params"].(map[string]any)["channelID"].(float64))
}

func TestHealthAndAuth(t *testing.T) {
	s := newStack(t)
	code, out := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", out["status"])

	code, _ = s.do(t, http.MethodGet, "/api/v1/channels", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = s.do(t, http.MethodGet, "/api/v1/channels", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, out = s.do(t, http.MethodPost, "/api/v1/auth/refresh", s.token(t, 1, "owner"), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, out["token"])
}

func TestCreateJoinAndRead(t *testing.T) {
	s := newStack(t)
	owner := s.token(t, 1, "owner")
	id := s.create(t, owner, "Lobby")

	code, out := s.do(t, http.MethodPost, "/api/v1/channels", owner, map[string]any{"name": "lobby"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "TARGET_INVALID_STATE", out["type"])

	code, out = s.do(t, http.MethodGet, "/api/v1/channels/Lobby/users", owner, nil)
	assert.Equal(t, http.StatusConflict, code, "not loaded yet")
	assert.Equal(t, "CHANNEL_NOT_LOADED", out["type"])

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/join", owner, nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "SUCCESS", out["type"])
	assert.Equal(t, float64(channel.Success), out["code"])

	code, out = s.do(t, http.MethodGet, "/api/v1/channels/Lobby/users", owner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), out["totalUsers"])

	code, out = s.do(t, http.MethodGet, "/api/v1/channels/Lobby", owner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Lobby", out["name"])

	code, out = s.do(t, http.MethodGet, "/api/v1/channels?search=lob", owner, nil)
	require.Equal(t, http.StatusOK, code)
	list := out["channels"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, float64(id), list[0].(map[string]any)["id"])
	assert.Equal(t, true, list[0].(map[string]any)["loaded"])

	code, _ = s.do(t, http.MethodGet, "/api/v1/channels/9999", owner, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = s.do(t, http.MethodGet, "/api/v1/channels/nowhere/members", owner, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGuestCannotJoinUntilMember(t *testing.T) {
	s := newStack(t)
	owner, guest := s.token(t, 1, "owner"), s.token(t, 2, "guest")
	s.create(t, owner, "Lobby")

	code, out := s.do(t, http.MethodPost, "/api/v1/channels/Lobby/join", guest, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_AUTHORISED_GENERAL", out["type"])

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/members", owner, map[string]any{"action": "add", "userID": 2})
	require.Equal(t, http.StatusOK, code, out)

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/join", guest, nil)
	assert.Equal(t, http.StatusOK, code, out)

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/members", owner, map[string]any{"action": "promote", "userID": 2})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "promote", out["params"].(map[string]any)["action"])
}

func TestMessagesEventsAndHistory(t *testing.T) {
	s := newStack(t)
	owner := s.token(t, 1, "owner")
	id := s.create(t, owner, "Lobby")
	s.do(t, http.MethodPost, "/api/v1/channels/Lobby/join", owner, nil)

	code, out := s.do(t, http.MethodPost, "/api/v1/channels/Lobby/message", owner, map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, code, out)

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/message", owner, map[string]any{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = s.do(t, http.MethodGet, "/api/v1/channels/Lobby/messages", owner, nil)
	require.Equal(t, http.StatusOK, code)
	msgs := out["messages"].([]any)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1].(map[string]any)
	assert.Equal(t, "channel_standard", last["type"])

	code, out = s.do(t, http.MethodGet, "/api/v1/events", owner, nil)
	require.Equal(t, http.StatusOK, code)
	evs := out["events"].([]any)
	require.NotEmpty(t, evs)
	var types []string
	var lastOrder float64
	for _, e := range evs {
		m := e.(map[string]any)
		types = append(types, m["type"].(string))
		assert.Greater(t, m["orderID"].(float64), lastOrder, "events are ordered")
		lastOrder = m["orderID"].(float64)
	}
	assert.Contains(t, types, "channel_standard")
	assert.Contains(t, types, "channel_system_local", "welcome message")

	code, out = s.do(t, http.MethodGet, "/api/v1/events?after="+jsonNumber(lastOrder), owner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, out["events"])

	code, out = s.do(t, http.MethodGet, "/api/v1/channels/Lobby/history", owner, nil)
	require.Equal(t, http.StatusOK, code)
	hist := out["history"].([]any)
	require.Len(t, hist, 1, "stored once, not once per occupant")
	assert.Equal(t, "hello", hist[0].(map[string]any)["message"])
	assert.Equal(t, float64(id), out["channel"])

	other := s.token(t, 3, "lurker")
	code, _ = s.do(t, http.MethodGet, "/api/v1/channels/Lobby/history", other, nil)
	assert.Equal(t, http.StatusConflict, code, "history needs presence")
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func TestModerationEndpoints(t *testing.T) {
	s := newStack(t)
	owner, user := s.token(t, 1, "owner"), s.token(t, 2, "user")
	s.create(t, owner, "Lobby")

	code, out := s.do(t, http.MethodPost, "/api/v1/channels/Lobby/members", owner, map[string]any{"action": "add", "userID": 2})
	require.Equal(t, http.StatusConflict, code, out)
	require.Equal(t, "CHANNEL_NOT_LOADED", out["type"], "membership edits need a loaded channel")

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/join", owner, nil)
	require.Equal(t, http.StatusOK, code, out)
	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/members", owner, map[string]any{"action": "add", "userID": 2})
	require.Equal(t, http.StatusOK, code, out)
	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/join", user, nil)
	require.Equal(t, http.StatusOK, code, out)

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/kick", user, map[string]any{"userID": 1})
	assert.Equal(t, http.StatusForbidden, code, out)

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/kick", owner, map[string]any{"userID": 2})
	require.Equal(t, http.StatusOK, code, out)

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/join", user, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "BANNED_TEMP", out["type"])

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/bans", owner, map[string]any{"action": "add", "userID": 2})
	assert.Equal(t, http.StatusConflict, code, "members must be removed before a ban")
	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/members", owner, map[string]any{"action": "remove", "userID": 2})
	require.Equal(t, http.StatusOK, code, out)
	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/bans", owner, map[string]any{"action": "add", "userID": 2})
	require.Equal(t, http.StatusOK, code, out)
	code, out = s.do(t, http.MethodGet, "/api/v1/channels/Lobby/bans", owner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), out["totalBans"])

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/attributes", owner, map[string]any{"key": "welcomeMessage", "value": "Hi all"})
	require.Equal(t, http.StatusOK, code, out)
	code, out = s.do(t, http.MethodGet, "/api/v1/channels/Lobby", owner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Hi all", out["welcomeMessage"])

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/groups", owner, map[string]any{
		"id": 3, "name": "Regulars", "type": "normal", "permissions": []string{"join", "talk"},
	})
	require.Equal(t, http.StatusOK, code, out)
	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/groups", owner, map[string]any{"id": 3, "name": "X", "type": "wizard"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/lock", owner, map[string]any{"highestRank": 0, "durationMins": 5})
	require.Equal(t, http.StatusOK, code, out)
	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/reset", owner, nil)
	require.Equal(t, http.StatusOK, code, out)

	code, out = s.do(t, http.MethodPost, "/api/v1/channels/Lobby/leave", owner, nil)
	assert.Equal(t, http.StatusOK, code, out)
}

func TestDisconnectLeavesChannel(t *testing.T) {
	s := newStack(t)
	owner := s.token(t, 1, "owner")
	s.create(t, owner, "Lobby")
	s.do(t, http.MethodPost, "/api/v1/channels/Lobby/join", owner, nil)
	require.Equal(t, 1, s.mgr.OccupantCount())

	code, out := s.do(t, http.MethodDelete, "/api/v1/session", owner, nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, 0, s.mgr.OccupantCount())
	assert.Equal(t, 0, s.sessions.Count())

	code, out = s.do(t, http.MethodDelete, "/api/v1/session", owner, nil)
	assert.Equal(t, "NO_CHANGE", out["type"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newStack(t)
	owner := s.token(t, 1, "owner")
	s.create(t, owner, "Lobby")
	s.do(t, http.MethodPost, "/api/v1/channels/Lobby/join", owner, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.web.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `chanserv_responses_total{operation="join",response="SUCCESS"} 1`)
	assert.Contains(t, body, "chanserv_channels_loaded 1")
	assert.Contains(t, body, "chanserv_channel_occupants 1")
	assert.Contains(t, body, "chanserv_sessions_online 1")
}

func TestWebSocketPushesEvents(t *testing.T) {
	s := newStack(t)
	srv := httptest.NewServer(s.web.Handler())
	defer srv.Close()
	owner := s.token(t, 1, "owner")
	s.create(t, owner, "Lobby")
	s.do(t, http.MethodPost, "/api/v1/channels/Lobby/join", owner, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + owner
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello["type"])

	code, out := s.do(t, http.MethodPost, "/api/v1/channels/Lobby/message", owner, map[string]any{"message": "live"})
	require.Equal(t, http.StatusOK, code, out)

	var frame eventJSON
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "channel_standard", frame.Type)
	assert.Equal(t, "live", frame.Payload["message"])

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	assert.Error(t, err, "token required")
}
