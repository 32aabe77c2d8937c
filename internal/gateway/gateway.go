package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fleet-server/internal/apperr"
	"fleet-server/internal/cache"
	"fleet-server/internal/models"
	"fleet-server/internal/storage"
)

type Store interface {
	GetHost(ctx context.Context, id uuid.UUID) (*models.Host, error)
	UpdateHostStatus(ctx context.Context, id uuid.UUID, status models.HostStatus, osType string) error
	GetAgentInstance(ctx context.Context, id uuid.UUID) (*models.AgentInstance, error)
	UpdateAgentHeartbeat(ctx context.Context, id uuid.UUID, version string) error
	ClaimPendingTasks(ctx context.Context, instanceID uuid.UUID) ([]models.TaskRecord, error)
}

// Gateway serves the agent-initiated REST calls.
type Gateway struct {
	store Store
	cache cache.Client
}

func New(store Store, c cache.Client) *Gateway {
	if c == nil {
		c = cache.Nop{}
	}
	return &Gateway{store: store, cache: c}
}

// principal is what an agent id resolved to. Either field may be nil, not both.
type principal struct {
	host     *models.Host
	instance *models.AgentInstance
}

// authenticate looks the id up as a Host first, then as an AgentInstance,
// and checks secret against the owning host.
func (g *Gateway) authenticate(ctx context.Context, id uuid.UUID, secret string) (*principal, error) {
	p := &principal{}

	host, err := g.store.GetHost(ctx, id)
	switch {
	case err == nil:
		p.host = host
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("get host: %w", err)
	}

	inst, err := g.store.GetAgentInstance(ctx, id)
	switch {
	case err == nil:
		p.instance = inst
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("get agent instance: %w", err)
	}

	if p.host == nil && p.instance == nil {
		return nil, apperr.NotFound("Agent/Host not found")
	}

	owner := p.host
	if owner == nil {
		owner, err = g.store.GetHost(ctx, p.instance.HostID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("get owning host: %w", err)
		}
	}
	if owner == nil || !secretMatches(owner.SecretKey, secret) {
		return nil, apperr.Unauthorized("Invalid secret key")
	}
	return p, nil
}

func secretMatches(want, got string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// Heartbeat records liveness for the host or agent instance named in req.
func (g *Gateway) Heartbeat(ctx context.Context, secret string, req models.HeartbeatRequest) error {
	id, err := uuid.Parse(strings.TrimSpace(req.AgentID))
	if err != nil {
		return apperr.BadRequest("Invalid agentId")
	}
	p, err := g.authenticate(ctx, id, secret)
	if err != nil {
		return err
	}

	if p.instance != nil {
		if err := g.store.UpdateAgentHeartbeat(ctx, p.instance.ID, req.Version); err != nil {
			return fmt.Errorf("update agent heartbeat: %w", err)
		}
	}
	if p.host != nil {
		if err := g.store.UpdateHostStatus(ctx, p.host.ID, models.HostOnline, ""); err != nil {
			return fmt.Errorf("update host heartbeat: %w", err)
		}
		if err := g.cache.SetLastSeen(p.host.ID.String(), time.Now(), p.host.HeartbeatWindow()); err != nil {
			log.Debug().Err(err).Str("host_id", p.host.ID.String()).Msg("Cache last seen update failed")
		}
	}
	log.Debug().Str("agent_id", id.String()).Msg("Gateway heartbeat")
	return nil
}

// FetchCommands returns the pending tasks for agentID and marks them SENT.
// A malformed id yields an empty list.
func (g *Gateway) FetchCommands(ctx context.Context, secret, agentID string) ([]models.TaskRecord, error) {
	id, err := uuid.Parse(strings.TrimSpace(agentID))
	if err != nil {
		return []models.TaskRecord{}, nil
	}
	if _, err := g.authenticate(ctx, id, secret); err != nil {
		return nil, err
	}

	tasks, err := g.store.ClaimPendingTasks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("claim pending tasks: %w", err)
	}
	if len(tasks) > 0 {
		log.Info().Str("agent_id", id.String()).Int("tasks", len(tasks)).Msg("Dispatched pending tasks")
	}
	return tasks, nil
}
