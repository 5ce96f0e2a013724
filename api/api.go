// Package api exposes the REST surface: authentication and sessions,
// training progress, the leaderboard and administration.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Yuz-tech/gamified-ims/activity"
	"github.com/Yuz-tech/gamified-ims/session"
	"github.com/Yuz-tech/gamified-ims/token"
	"github.com/Yuz-tech/gamified-ims/training"
	"github.com/Yuz-tech/gamified-ims/users"
)

// Services are the domain components the handlers call into.
type Services struct {
	Users    *users.Store
	Sessions *session.Registry
	Tokens   *token.Issuer
	Training *training.Service
	// Activity is queried by the admin activity-log endpoints.
	Activity *activity.Store
	// Recorder writes activity entries; its sink may differ from Activity.
	Recorder *activity.Recorder
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	users    *users.Store
	sessions *session.Registry
	tokens   *token.Issuer
	training *training.Service
	activity *activity.Store
	recorder *activity.Recorder

	logger         *slog.Logger
	now            func() time.Time
	trustedProxies []netip.Prefix
	registerer     prometheus.Registerer
	alertFn        AlertFunc

	loginLimiter     *lockoutLimiter
	loginIPLimiter   *lockoutLimiter
	loginGlobal      *windowLimiter
	requestIPLimiter *lockoutLimiter
	requestGlobal    *windowLimiter

	alerts  *metricsCollector
	metrics *promMetrics
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithClock overrides time.Now for rate limiting and alerts.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// WithTrustedProxies sets the proxies whose forwarding headers are
// believed when determining the client IP.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithMetrics registers the API's Prometheus counters with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(a *API) {
		a.registerer = reg
	}
}

// WithAlertFunc sets the callback for login-failure spikes and bulk
// activity exports.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// New creates a new API instance.
func New(svc Services, opts ...Option) *API {
	a := &API{
		users:    svc.Users,
		sessions: svc.Sessions,
		tokens:   svc.Tokens,
		training: svc.Training,
		activity: svc.Activity,
		recorder: svc.Recorder,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "api")
	a.loginLimiter = newLockoutLimiter(loginAccountPolicy, a.now)
	a.loginIPLimiter = newLockoutLimiter(loginIPPolicy, a.now)
	a.loginGlobal = newWindowLimiter(time.Minute, 100, 5*time.Minute, a.now)
	a.requestIPLimiter = newLockoutLimiter(requestAccountIPPolicy, a.now)
	a.requestGlobal = newWindowLimiter(time.Minute, 50, 5*time.Minute, a.now)
	a.alerts = newMetricsCollector(a.alertFn, a.now)
	a.metrics = newPromMetrics(a.registerer)
	return a
}

// SweepLimiters drops expired rate-limit records. The server calls it
// periodically.
func (a *API) SweepLimiters() {
	a.loginLimiter.sweep()
	a.loginIPLimiter.sweep()
	a.requestIPLimiter.sweep()
}

// Router returns a chi.Router with all API routes mounted. It is meant to be
// mounted at /api.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/redoc",
	}, nil))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/request-account", a.RequestAccount)
		r.Post("/login", a.Login)

		r.Group(func(r chi.Router) {
			r.Use(a.Authenticate)
			r.Get("/me", a.Me)
			r.Post("/change-password", a.ChangePassword)
			r.Post("/logout", a.Logout)
			r.Post("/logout-all", a.LogoutAll)
			r.Get("/sessions", a.ListSessions)
			r.Delete("/sessions/{sessionID}", a.RevokeSession)
		})
	})

	r.Route("/topics", func(r chi.Router) {
		r.Use(a.Authenticate)
		r.Get("/", a.ListTopics)
		r.Get("/{topicID}", a.GetTopic)
		r.Post("/{topicID}/watch-video", a.WatchVideo)
		r.Post("/{topicID}/submit-quiz", a.SubmitQuiz)
	})

	r.With(a.Authenticate).Get("/leaderboard", a.Leaderboard)

	r.Route("/admin", func(r chi.Router) {
		r.Use(a.Authenticate, a.RequireAdmin)

		r.Get("/pending-users", a.ListPendingUsers)
		r.Get("/users", a.ListUsers)
		r.Post("/users", a.CreateUser)
		r.Put("/users/{userID}", a.UpdateUser)
		r.Delete("/users/{userID}", a.DeleteUser)
		r.Post("/users/{userID}/reset-progress", a.ResetUserProgress)
		r.Post("/approve-user/{userID}", a.ApproveUser)

		r.Get("/topics", a.AdminListTopics)
		r.Post("/topics", a.CreateTopic)
		r.Put("/topics/{topicID}", a.UpdateTopic)
		r.Delete("/topics/{topicID}", a.DeleteTopic)

		r.Get("/badges", a.ListBadges)
		r.Post("/badges", a.CreateBadge)
		r.Put("/badges/{badgeID}", a.UpdateBadge)
		r.Delete("/badges/{badgeID}", a.DeleteBadge)

		r.Get("/activity-logs", a.ListActivityLogs)
		r.Get("/activity-logs/export", a.ExportActivityLogs)
		r.Get("/statistics", a.Statistics)
		r.Get("/training-year", a.TrainingYear)
		r.Post("/reset-training-year", a.ResetTrainingYear)
	})

	return r
}
