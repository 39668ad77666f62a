package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"authdesk/internal/config"
	"authdesk/internal/metrics"
	"authdesk/internal/middleware"
	"authdesk/internal/models"
	"authdesk/internal/rate"
	"authdesk/internal/service"
	"authdesk/internal/util"
	"authdesk/internal/version"
)

type Handlers struct {
	cfg     config.Config
	svc     *service.Service
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Roles allowed to change data they own. Viewers are read-only.
var writers = []models.Role{models.RoleAdmin, models.RoleUser}

func NewRouter(cfg config.Config, svc *service.Service, logger *slog.Logger, m *metrics.Metrics) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		cfg:     cfg,
		svc:     svc,
		limiter: rate.NewLimiter(),
		logger:  logger.With("module", "api"),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger(logger, m))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.ClientMeta(cfg.TrustProxy))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", h.Ready)
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			util.WriteJSON(w, http.StatusOK, version.Current())
		})
		r.With(middleware.RateLimit(h.limiter, "login", cfg.LoginRateLimit, cfg.LoginRateWindow, cfg.TrustProxy)).Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authn(h.svc, h.logger))
			r.Get("/me", h.Me)
			r.Get("/sessions", h.ListSessions)
			r.Post("/password", h.ChangePassword)
			r.Get("/export/user", h.ExportUser)

			r.Route("/verify", func(r chi.Router) {
				r.Post("/send-code", h.SendCode)
				r.Post("/confirm-code", h.ConfirmCode)
				r.Get("/status", h.VerificationStatus)
			})

			r.Route("/profile", func(r chi.Router) {
				r.Get("/", h.GetProfile)
				r.With(middleware.RequireRoles(writers...)).Put("/", h.UpdateProfile)
				r.Get("/shared-with-me", h.SharedWithMe)
				r.Get("/share-requests", h.MyShareRequests)
				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireRoles(writers...))
					r.Post("/share-request", h.RequestShare)
					r.Post("/share-approve", h.ApproveShare)
					r.Post("/share-reject", h.RejectShare)
				})
			})

			r.With(middleware.RequireRoles(models.RoleAdmin)).Post("/register", h.Register)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireRoles(models.RoleAdmin))
				r.Get("/users", h.AdminListUsers)
				r.Post("/users/{username}/activate", h.AdminActivateUser)
				r.Post("/users/{username}/deactivate", h.AdminDeactivateUser)
				r.Get("/audit-logs", h.AdminAuditLogs)
				r.Get("/statistics", h.AdminStatistics)
				r.Get("/export", h.AdminExport)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		util.WriteError(w, http.StatusNotFound, "not_found", "route not found", middleware.RequestID(r.Context()))
	})
	return r
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ready := map[string]any{"checked_at": time.Now().UTC().Format(time.RFC3339)}
	if err := h.svc.Ready(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		ready["status"] = "degraded"
		ready["error"] = "document store unavailable"
		util.WriteJSON(w, http.StatusServiceUnavailable, ready)
		return
	}
	ready["status"] = "ready"
	util.WriteJSON(w, http.StatusOK, ready)
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	util.WriteServiceError(w, h.logger, err, middleware.RequestID(r.Context()))
}

// currentUser is only called behind Authn.
func currentUser(r *http.Request) models.User {
	u, _ := middleware.User(r.Context())
	return u
}

func queryInt(r *http.Request, key string) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
