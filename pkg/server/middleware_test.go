package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/crystal-mush/chanserv/pkg/channel"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("1.2.3.4"))
	assert.True(t, rl.allow("1.2.3.4"))
	assert.False(t, rl.allow("1.2.3.4"))
	assert.True(t, rl.allow("5.6.7.8"), "limits are per IP")

	now = now.Add(61 * time.Second)
	assert.True(t, rl.allow("1.2.3.4"), "new window")

	rl.cleanup()
	assert.Len(t, rl.requests, 1)

	rl.setLimit(0)
	for i := 0; i < 10; i++ {
		assert.True(t, rl.allow("1.2.3.4"))
	}
}

func TestCORSPolicy(t *testing.T) {
	p := newCORSPolicy([]string{"https://chat.example.com"})
	h := p.handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://CHAT.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://CHAT.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	p.set(nil)
	assert.True(t, p.allowed("https://evil.example"), "empty list allows all")

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	assert.Equal(t, "abc", bearerToken(req))
	req.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", bearerToken(req))
	req.Header.Set("Authorization", "Basic xyz")
	assert.Empty(t, bearerToken(req))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[channel.ResponseType]int{
		channel.Success:               http.StatusOK,
		channel.NoChange:              http.StatusOK,
		channel.InvalidArgument:       http.StatusBadRequest,
		channel.ChannelNotFound:       http.StatusNotFound,
		channel.UserNotFound:          http.StatusNotFound,
		channel.ChannelNotLoaded:      http.StatusConflict,
		channel.NotInChannel:          http.StatusConflict,
		channel.TargetBanned:          http.StatusConflict,
		channel.TargetInvalidState:    http.StatusConflict,
		channel.NotAuthorisedGeneral:  http.StatusForbidden,
		channel.NotAuthorisedSpecific: http.StatusForbidden,
		channel.Banned:                http.StatusForbidden,
		channel.BannedTemp:            http.StatusForbidden,
		channel.Locked:                http.StatusForbidden,
		channel.UnknownError:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, httpStatus(kind), kind.String())
	}
}
