package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"fleet-server/internal/apperr"
	"fleet-server/internal/auth"
	"fleet-server/internal/cache"
	"fleet-server/internal/gateway"
	"fleet-server/internal/hostsvc"
	"fleet-server/internal/hub"
	"fleet-server/internal/middleware"
	"fleet-server/internal/models"
	"fleet-server/internal/storage"
)

// Catalog is the storage surface the CRUD endpoints use directly.
type Catalog interface {
	ListEnvironments(ctx context.Context) ([]models.Environment, error)
	CreateEnvironment(ctx context.Context, name, description string) (*models.Environment, error)

	ListCredentials(ctx context.Context) ([]models.Credential, error)
	CreateCredential(ctx context.Context, c models.Credential) (*models.Credential, error)
	DeleteCredential(ctx context.Context, id uuid.UUID) error
	ListRepositories(ctx context.Context) ([]models.Repository, error)
	CreateRepository(ctx context.Context, r models.Repository) (*models.Repository, error)
	ListSources(ctx context.Context) ([]models.Source, error)
	CreateSource(ctx context.Context, in models.Source) (*models.Source, error)
	ListTemplates(ctx context.Context) ([]models.Template, error)
	CreateTemplate(ctx context.Context, in models.Template) (*models.Template, error)

	ListAgentInstances(ctx context.Context, hostID uuid.UUID) ([]models.AgentInstance, error)
	CreateAgentInstance(ctx context.Context, hostID, templateID uuid.UUID) (*models.AgentInstance, error)
	CreateAgentCommand(ctx context.Context, templateID uuid.UUID, name, script string, timeout int) (uuid.UUID, error)
	CreateAgentTask(ctx context.Context, instanceID, commandID uuid.UUID, args string) (uuid.UUID, error)
}

type LogReader interface {
	ReadLogs(hostID string, n int) ([]string, error)
}

type Deps struct {
	Catalog Catalog
	Hosts   *hostsvc.Service
	Gateway *gateway.Gateway
	Hub     *hub.Hub
	Logs    LogReader
	Auth    *auth.Handler
	Tokens  *auth.Tokens
	Cache   cache.Client
	Ping    func() error
}

type Handler struct {
	catalog Catalog
	hosts   *hostsvc.Service
	gateway *gateway.Gateway
	hub     *hub.Hub
	logs    LogReader
	auth    *auth.Handler
	tokens  *auth.Tokens
	cache   cache.Client
	ping    func() error
}

func New(d Deps) *Handler {
	if d.Cache == nil {
		d.Cache = cache.Nop{}
	}
	return &Handler{
		catalog: d.Catalog,
		hosts:   d.Hosts,
		gateway: d.Gateway,
		hub:     d.Hub,
		logs:    d.Logs,
		auth:    d.Auth,
		tokens:  d.Tokens,
		cache:   d.Cache,
		ping:    d.Ping,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.With(middleware.RateLimitLogin(h.cache)).Post("/api/auth/login", h.auth.Login)

	// Agent-initiated calls authenticate with X-Agent-Secret
	r.Route("/api/gateway", func(r chi.Router) {
		r.Use(middleware.RateLimitGateway(h.cache))
		r.Post("/heartbeat", h.GatewayHeartbeat)
		r.Get("/commands", h.GatewayCommands)
	})

	r.With(h.consoleAuth).Get("/ws/console/{hostId}", h.Console)

	r.Group(func(r chi.Router) {
		r.Use(h.tokens.Middleware)

		r.Get("/api/auth/me", h.auth.Me)

		r.Get("/api/environments", h.ListEnvironments)
		r.Post("/api/environments", h.CreateEnvironment)

		r.Get("/api/hosts", h.ListHosts)
		r.Post("/api/hosts", h.CreateHost)
		r.Get("/api/hosts/{id}", h.GetHost)
		r.Patch("/api/hosts/{id}", h.UpdateHost)
		r.Delete("/api/hosts/{id}", h.DeleteHost)
		r.Post("/api/hosts/{id}/connect", h.ConnectHost)
		r.Get("/api/hosts/{id}/install-guide", h.InstallGuide)
		r.Get("/api/hosts/{id}/config", h.ConfigFile)
		r.Get("/api/hosts/{id}/package", h.DownloadPackage)
		r.Get("/api/hosts/{id}/logs", h.HostLogs)
		r.Get("/api/hosts/{id}/agents", h.ListAgentInstances)
		r.Post("/api/hosts/{id}/agents", h.CreateAgentInstance)

		r.Get("/api/credentials", h.ListCredentials)
		r.Post("/api/credentials", h.CreateCredential)
		r.Delete("/api/credentials/{id}", h.DeleteCredential)
		r.Get("/api/repositories", h.ListRepositories)
		r.Post("/api/repositories", h.CreateRepository)
		r.Get("/api/sources", h.ListSources)
		r.Post("/api/sources", h.CreateSource)
		r.Get("/api/sources/{id}/download", h.DownloadSource)
		r.Get("/api/templates", h.ListTemplates)
		r.Post("/api/templates", h.CreateTemplate)
		r.Post("/api/templates/{id}/commands", h.CreateCommand)
		r.Post("/api/agents/{id}/tasks", h.CreateTask)
	})
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	if h.ping != nil {
		if err := h.ping(); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("ok"))
}

// consoleAuth lets browser consoles pass the bearer token as ?token=.
func (h *Handler) consoleAuth(next http.Handler) http.Handler {
	protected := h.tokens.Middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			if token := r.URL.Query().Get("token"); token != "" {
				r.Header.Set("Authorization", "Bearer "+token)
			}
		}
		protected.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Encode response failed")
	}
}

// writeError renders err as a plain-text reason with the status of its kind.
func writeError(w http.ResponseWriter, err error) {
	var typed *apperr.Error
	switch {
	case errors.As(err, &typed):
	case errors.Is(err, storage.ErrNotFound):
		err = apperr.Wrap(apperr.KindNotFound, err, "Not found")
	case errors.Is(err, storage.ErrDuplicate):
		err = apperr.Wrap(apperr.KindConflict, err, "Already exists")
	case errors.Is(err, storage.ErrInUse):
		err = apperr.Wrap(apperr.KindConflict, err, "Still referenced by other records")
	}

	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	http.Error(w, apperr.Message(err), status)
}

// attachment renders a Content-Disposition value for name per RFC 6266.
// Non-ASCII names use the RFC 2231 filename* form.
func attachment(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.BadRequest("Invalid request body")
	}
	return nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, name)))
	if err != nil {
		return uuid.Nil, apperr.BadRequest("Invalid %s", name)
	}
	return id, nil
}

func queryID(r *http.Request, name string) (*uuid.UUID, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, apperr.BadRequest("Invalid %s", name)
	}
	return &id, nil
}
