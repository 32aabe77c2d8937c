package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"fleet-server/internal/apperr"
	"fleet-server/internal/models"
)

const defaultLogLimit = 100

func (h *Handler) ListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := h.catalog.ListEnvironments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

func (h *Handler) CreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apperr.BadRequest("Environment name is required"))
		return
	}
	env, err := h.catalog.CreateEnvironment(r.Context(), req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (h *Handler) ListHosts(w http.ResponseWriter, r *http.Request) {
	envID, err := queryID(r, "envId")
	if err != nil {
		writeError(w, err)
		return
	}
	hosts, err := h.hosts.List(r.Context(), envID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

func (h *Handler) CreateHost(w http.ResponseWriter, r *http.Request) {
	var input models.CreateHostInput
	if err := decode(r, &input); err != nil {
		writeError(w, err)
		return
	}
	host, err := h.hosts.Create(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, host)
}

func (h *Handler) GetHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	host, err := h.hosts.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (h *Handler) UpdateHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var input models.UpdateHostInput
	if err := decode(r, &input); err != nil {
		writeError(w, err)
		return
	}
	host, err := h.hosts.Update(r.Context(), id, input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (h *Handler) DeleteHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.hosts.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ConnectHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.hosts.Connect(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) InstallGuide(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	guide, err := h.hosts.InstallGuide(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guide)
}

func (h *Handler) ConfigFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	text, err := h.hosts.ConfigFile(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	w.Header().Set("Content-Disposition", attachment("config.yaml"))
	io.WriteString(w, text)
}

// DownloadPackage answers with an error status until the upstream stream is
// open. Failures after that point can only truncate the body.
func (h *Handler) DownloadPackage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	sourceID, err := queryID(r, "sourceId")
	if err != nil {
		writeError(w, err)
		return
	}
	if sourceID == nil {
		writeError(w, apperr.BadRequest("sourceId is required"))
		return
	}

	pkg, err := h.hosts.OpenPackage(r.Context(), id, *sourceID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", attachment(pkg.FileName))
	if err := pkg.WriteTo(w); err != nil {
		log.Error().Err(err).Str("host_id", id.String()).Msg("Package stream aborted")
	}
}

func (h *Handler) HostLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, apperr.BadRequest("Invalid limit"))
			return
		}
		limit = n
	}
	if _, err := h.hosts.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	lines, err := h.logs.ReadLogs(id.String(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (h *Handler) ListAgentInstances(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	instances, err := h.catalog.ListAgentInstances(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (h *Handler) CreateAgentInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		TemplateID string `json:"template_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	templateID, err := parseID(req.TemplateID, "template_id")
	if err != nil {
		writeError(w, err)
		return
	}
	inst, err := h.catalog.CreateAgentInstance(r.Context(), id, templateID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// Console attaches an operator websocket to the host's frame stream.
func (h *Handler) Console(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "hostId")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.hosts.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.hub.ServeConsole(w, r, id)
}
