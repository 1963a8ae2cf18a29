// Package agent serves the local session over HTTP so other processes on
// the machine can share one signed-in session.
package agent

import (
	_ "embed"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/ironsession/internal/clock"
	"github.com/jmcleod/ironsession/internal/logger"
	"github.com/jmcleod/ironsession/keeper"
)

const (
	apiPrefix    = "/api/v1"
	docsPrefix   = apiPrefix + "/docs"
	maxBodyBytes = 1 << 20
)

//go:embed openapi.yaml
var openapiSpec []byte

// Agent holds the dependencies needed by the HTTP handlers.
type Agent struct {
	keeper      *keeper.Keeper
	rateLimiter *loginRateLimiter
	clock       clock.Clock
	log         *slog.Logger
	addr        string
	secret      string
}

// Option configures the Agent.
type Option func(*Agent)

// WithClock sets the clock used for login backoff.
func WithClock(c clock.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithAddr sets the listen address. Requests must name this port, and a
// specific listen host is accepted alongside the loopback names.
func WithAddr(addr string) Option {
	return func(a *Agent) { a.addr = addr }
}

// WithSecret sets the bearer secret required by the token-bearing routes.
// Without it a random secret is generated; read it back with Secret.
func WithSecret(secret string) Option {
	return func(a *Agent) { a.secret = secret }
}

// New creates an Agent serving k.
func New(k *keeper.Keeper, opts ...Option) *Agent {
	a := &Agent{keeper: k, clock: clock.Real{}}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logger.Component(a.log, "agent")
	a.rateLimiter = newLoginRateLimiter(a.clock)
	if a.secret == "" {
		s, err := newSecret()
		if err != nil {
			a.log.Error("agent secret unavailable, token routes disabled", "error", err)
		}
		a.secret = s
	}
	return a
}

// Secret returns the bearer secret for the token-bearing routes.
func (a *Agent) Secret() string {
	return a.secret
}

// Handler returns the complete HTTP handler: health, metrics and the
// versioned API.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(a.localOnly)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount(apiPrefix, a.Router())
	return r
}

// Router returns a chi.Router with all API routes, relative to /api/v1.
func (a *Agent) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: apiPrefix + "/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: apiPrefix + "/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/session", a.GetSession)
	r.Post("/session/login", a.Login)
	r.Post("/session/logout", a.Logout)
	r.Post("/session/check", a.Check)
	r.Post("/session/refresh", a.Refresh)
	r.Post("/session/activity", a.Activity)
	r.Post("/session/verify-email", a.VerifyEmail)
	r.Post("/session/register", a.Register)
	r.Post("/session/uid", a.LoginWithUID)
	r.Post("/session/resend-otp", a.ResendOTP)
	r.Post("/session/forget-password", a.ForgetPassword)

	r.Get("/notifications", a.ListNotifications)
	r.Delete("/notifications/{id}", a.DismissNotification)

	r.Group(func(r chi.Router) {
		r.Use(a.requireSecret)
		r.Use(a.requireSession)
		r.Get("/profile", a.Profile)
		r.Get("/token", a.Token)
		r.Post("/notification-token", a.UpdateNotificationToken)
	})

	return r
}

// requireSession defers to the keeper's guard at request time.
func (a *Agent) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.keeper.Guard.Middleware()(next).ServeHTTP(w, r)
	})
}
