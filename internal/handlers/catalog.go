package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"fleet-server/internal/apperr"
	"fleet-server/internal/models"
)

func parseID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, apperr.BadRequest("Invalid %s", field)
	}
	return id, nil
}

// checkConfig accepts an empty document or a JSON object.
func checkConfig(config string) error {
	if strings.TrimSpace(config) == "" {
		return nil
	}
	if !gjson.Valid(config) || !gjson.Parse(config).IsObject() {
		return apperr.BadRequest("config must be a JSON object")
	}
	return nil
}

func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.catalog.ListCredentials(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (h *Handler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var in models.Credential
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.Type = models.CredentialType(strings.ToUpper(strings.TrimSpace(string(in.Type))))
	switch in.Type {
	case models.CredentialStaticToken, models.CredentialAPIToken, models.CredentialScriptToken, models.CredentialSSOToken:
	default:
		writeError(w, apperr.BadRequest("Unsupported credential type: %s", in.Type))
		return
	}
	if in.Name == "" {
		writeError(w, apperr.BadRequest("Credential name is required"))
		return
	}
	if err := checkConfig(in.Config); err != nil {
		writeError(w, err)
		return
	}
	cred, err := h.catalog.CreateCredential(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.catalog.DeleteCredential(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := h.catalog.ListRepositories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (h *Handler) CreateRepository(w http.ResponseWriter, r *http.Request) {
	var in models.Repository
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.Type = models.RepositoryType(strings.ToUpper(strings.TrimSpace(string(in.Type))))
	switch in.Type {
	case models.RepositoryGitLab, models.RepositoryMaven, models.RepositoryNextcloud:
	default:
		writeError(w, apperr.BadRequest("Unsupported repository type: %s", in.Type))
		return
	}
	if in.Name == "" || in.BaseURL == "" {
		writeError(w, apperr.BadRequest("Repository name and base_url are required"))
		return
	}
	repo, err := h.catalog.CreateRepository(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.catalog.ListSources(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (h *Handler) CreateSource(w http.ResponseWriter, r *http.Request) {
	var in models.Source
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.Type = models.SourceType(strings.ToUpper(strings.TrimSpace(string(in.Type))))
	if in.Name == "" || in.Type == "" {
		writeError(w, apperr.BadRequest("Source name and type are required"))
		return
	}
	if err := checkConfig(in.Config); err != nil {
		writeError(w, err)
		return
	}
	src, err := h.catalog.CreateSource(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (h *Handler) DownloadSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	art, err := h.hosts.OpenSource(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer art.Body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", attachment(art.FileName))
	if _, err := io.Copy(w, art.Body); err != nil {
		log.Error().Err(err).Str("source_id", id.String()).Msg("Source stream aborted")
	}
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.catalog.ListTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var in models.Template
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.OsType = models.OsType(strings.ToUpper(strings.TrimSpace(string(in.OsType))))
	switch in.OsType {
	case models.OsLinux, models.OsWindows, models.OsLinuxDocker, models.OsMacOS, models.OsAll:
	default:
		writeError(w, apperr.BadRequest("Unsupported OS type: %s", in.OsType))
		return
	}
	if in.Name == "" {
		writeError(w, apperr.BadRequest("Template name is required"))
		return
	}
	tpl, err := h.catalog.CreateTemplate(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (h *Handler) CreateCommand(w http.ResponseWriter, r *http.Request) {
	templateID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name    string `json:"name"`
		Script  string `json:"script"`
		Timeout int    `json:"timeout"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" || req.Script == "" {
		writeError(w, apperr.BadRequest("Command name and script are required"))
		return
	}
	id, err := h.catalog.CreateAgentCommand(r.Context(), templateID, req.Name, req.Script, req.Timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// CreateTask queues a command for an agent instance. It is delivered on the
// agent's next command fetch.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	instanceID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		CommandID string `json:"command_id"`
		Args      string `json:"args"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	commandID, err := parseID(req.CommandID, "command_id")
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := h.catalog.CreateAgentTask(r.Context(), instanceID, commandID, req.Args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": models.TaskPending})
}
