package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/crystal-mush/chanserv/pkg/channel"
	"github.com/crystal-mush/chanserv/pkg/events"
	"github.com/crystal-mush/chanserv/pkg/scrollback"
	"github.com/crystal-mush/chanserv/pkg/session"
)

// History serves stored scrollback. *scrollback.Store satisfies it.
type History interface {
	History(ctx context.Context, channelID, limit int) ([]scrollback.Entry, error)
}

// WebDeps are the services the web server fronts. History may be nil when
// scrollback is disabled.
type WebDeps struct {
	Manager  *channel.Manager
	Sessions *session.Registry
	Bus      *events.Bus
	Auth     *AuthService
	Metrics  *Metrics
	History  History
}

// WebServer is the HTTP, REST and websocket transport.
type WebServer struct {
	conf      *Conf
	mgr       *channel.Manager
	sessions  *session.Registry
	bus       *events.Bus
	auth      *AuthService
	metrics   *Metrics
	history   History
	router    chi.Router
	httpSrv   *http.Server
	rl        *rateLimiter
	cors      *corsPolicy
	upgrader  websocket.Upgrader
	startTime time.Time
}

// NewWebServer builds the router. Call Start to listen.
func NewWebServer(conf *Conf, deps WebDeps) *WebServer {
	ws := &WebServer{
		conf:      conf,
		mgr:       deps.Manager,
		sessions:  deps.Sessions,
		bus:       deps.Bus,
		auth:      deps.Auth,
		metrics:   deps.Metrics,
		history:   deps.History,
		rl:        newRateLimiter(conf.RateLimit),
		cors:      newCORSPolicy(conf.CORSOrigins),
		startTime: time.Now(),
	}
	ws.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || ws.cors.allowed(origin)
		},
	}
	ws.router = ws.routes()
	ws.httpSrv = &http.Server{
		Addr:              conf.Addr(),
		Handler:           ws.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws
}

// Handler returns the root handler, for tests and embedding.
func (ws *WebServer) Handler() http.Handler { return ws.router }

func (ws *WebServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)
	r.Use(ws.cors.handler)
	r.Use(ws.rl.handler)

	r.Get("/health", ws.handleHealth)
	if ws.metrics != nil {
		r.Method(http.MethodGet, "/metrics", ws.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/refresh", ws.handleAuthRefresh)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth(ws.auth))
			r.Get("/events", ws.handleEvents)
			r.Delete("/session", ws.handleDisconnect)
			r.Get("/channels", ws.handleSearch)
			r.Post("/channels", ws.handleCreate)
			r.Mount("/channels/{channel}", ws.channelRoutes())
		})
	})

	r.With(requireAuth(ws.auth)).Get("/ws", ws.handleWebSocket)
	return r
}

// ApplyConf re-applies the reloadable settings.
func (ws *WebServer) ApplyConf(c *Conf) {
	ws.rl.setLimit(c.RateLimit)
	ws.cors.set(c.CORSOrigins)
}

// Start listens until Stop is called. TLS is used when configured; if TLS
// setup fails the server falls back to plain HTTP.
func (ws *WebServer) Start() error {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ws.rl.cleanup()
		}
	}()

	if ws.conf.TLSEnabled() {
		result, err := SetupTLS(ws.conf)
		if err != nil {
			log.Warn().Err(err).Str("module", "web").Msg("TLS setup failed, falling back to HTTP")
		} else {
			ws.httpSrv.TLSConfig = result.Config
			if result.AutocertMgr != nil {
				go func() {
					acme := &http.Server{Addr: ":80", Handler: result.AutocertMgr.HTTPHandler(nil), ReadHeaderTimeout: 10 * time.Second}
					if err := acme.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Str("module", "web").Msg("ACME listener failed")
					}
				}()
			}
			log.Info().Str("module", "web").Str("addr", ws.httpSrv.Addr).Msg("listening (HTTPS)")
			if err := ws.httpSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
	}

	log.Info().Str("module", "web").Str("addr", ws.httpSrv.Addr).Msg("listening (HTTP)")
	if err := ws.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the listener.
func (ws *WebServer) Stop(ctx context.Context) error {
	return ws.httpSrv.Shutdown(ctx)
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         Version,
		"uptime_seconds":  time.Since(ws.startTime).Seconds(),
		"channels_loaded": ws.mgr.LoadedCount(),
		"sessions":        ws.sessions.Count(),
		"shutting_down":   ws.mgr.JoinLocked(),
	})
}

func (ws *WebServer) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}
	fresh, err := ws.auth.RefreshToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": fresh})
}

// actor returns the session of the authenticated user, connecting it on
// first use.
func (ws *WebServer) actor(r *http.Request) *session.Session {
	c := ClaimsFromContext(r.Context())
	name := strings.TrimSpace(c.Username)
	if name == "" {
		name = c.Subject
	}
	return ws.sessions.Connect(c.UserID, name)
}
