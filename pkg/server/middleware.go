package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type contextKey string

const claimsKey contextKey = "claims"

// ClaimsFromContext returns the verified claims of a request, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	if v, ok := ctx.Value(claimsKey).(*Claims); ok {
		return v
	}
	return nil
}

// bearerToken extracts a token from the Authorization header, falling back
// to the token query parameter that browsers use for websocket upgrades.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// requireAuth rejects requests without a valid token and stores the claims
// in the request context.
func requireAuth(auth *AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "authorization required")
				return
			}
			claims, err := auth.ValidateToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// corsPolicy adds CORS headers for allowed origins. The origin list can be
// swapped at runtime when the config is reloaded.
type corsPolicy struct {
	origins atomic.Pointer[map[string]bool]
}

func newCORSPolicy(origins []string) *corsPolicy {
	p := &corsPolicy{}
	p.set(origins)
	return p
}

func (p *corsPolicy) set(origins []string) {
	m := make(map[string]bool, len(origins))
	for _, o := range origins {
		m[strings.ToLower(o)] = true
	}
	p.origins.Store(&m)
}

func (p *corsPolicy) allowed(origin string) bool {
	m := *p.origins.Load()
	return len(m) == 0 || m[strings.ToLower(origin)]
}

func (p *corsPolicy) handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && p.allowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter counts requests per IP in fixed one-minute windows.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string]*rateBucket
	limit    int
	window   time.Duration
	now      func() time.Time
}

type rateBucket struct {
	count  int
	expiry time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	return &rateLimiter{
		requests: make(map[string]*rateBucket),
		limit:    requestsPerMinute,
		window:   time.Minute,
		now:      time.Now,
	}
}

// setLimit changes the limit; zero or less disables limiting.
func (rl *rateLimiter) setLimit(n int) {
	rl.mu.Lock()
	rl.limit = n
	rl.mu.Unlock()
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.limit <= 0 {
		return true
	}
	now := rl.now()
	b, ok := rl.requests[ip]
	if !ok || now.After(b.expiry) {
		rl.requests[ip] = &rateBucket{count: 1, expiry: now.Add(rl.window)}
		return true
	}
	b.count++
	return b.count <= rl.limit
}

// cleanup drops expired buckets.
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for ip, b := range rl.requests {
		if now.After(b.expiry) {
			delete(rl.requests, ip)
		}
	}
}

func (rl *rateLimiter) handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if !rl.allow(ip) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog writes one debug line per request.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("module", "web").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
