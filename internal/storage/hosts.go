package storage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleet-server/internal/models"
)

const hostColumns = `id, name, hostname, os, environment_id, status, secret_key, heartbeat_interval,
	config, gateway_url, listen_port, description, created_at, last_heartbeat`

func (s *Storage) ListHosts(ctx context.Context) ([]models.Host, error) {
	hosts := []models.Host{}
	query := `SELECT ` + hostColumns + ` FROM hosts ORDER BY created_at`
	if err := s.db.SelectContext(ctx, &hosts, query); err != nil {
		return nil, err
	}
	return hosts, nil
}

func (s *Storage) ListHostsByEnvironment(ctx context.Context, envID uuid.UUID) ([]models.Host, error) {
	hosts := []models.Host{}
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE environment_id = $1 ORDER BY created_at`
	if err := s.db.SelectContext(ctx, &hosts, query, envID); err != nil {
		return nil, err
	}
	return hosts, nil
}

func (s *Storage) GetHost(ctx context.Context, id uuid.UUID) (*models.Host, error) {
	var host models.Host
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE id = $1`
	if err := s.db.GetContext(ctx, &host, query, id); err != nil {
		return nil, translate(err)
	}
	return &host, nil
}

// CreateHost inserts a host in UNCONNECTED state with a freshly generated secret key.
func (s *Storage) CreateHost(ctx context.Context, input models.CreateHostInput) (*models.Host, error) {
	listenPort := models.DefaultListenPort
	if input.ListenPort != nil && *input.ListenPort > 0 {
		listenPort = *input.ListenPort
	}
	interval := models.DefaultHeartbeatInterval
	if input.HeartbeatInterval != nil && *input.HeartbeatInterval > 0 {
		interval = *input.HeartbeatInterval
	}
	envID := uuid.NullUUID{}
	if input.EnvironmentID != nil {
		envID = uuid.NullUUID{UUID: *input.EnvironmentID, Valid: true}
	}

	var host models.Host
	query := `
		INSERT INTO hosts (name, hostname, os, environment_id, status, secret_key, heartbeat_interval,
			config, gateway_url, listen_port, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + hostColumns
	err := s.db.GetContext(ctx, &host, query,
		input.Name, input.Hostname, strings.ToUpper(strings.TrimSpace(input.OS)), envID, models.HostUnconnected,
		uuid.NewString(), interval, input.Config, input.GatewayURL, listenPort, input.Description)
	if err != nil {
		return nil, translate(err)
	}
	return &host, nil
}

// UpdateHost applies the non-nil fields of input and returns the stored row.
func (s *Storage) UpdateHost(ctx context.Context, id uuid.UUID, input models.UpdateHostInput) (*models.Host, error) {
	var osType *string
	if input.OS != nil {
		v := strings.ToUpper(strings.TrimSpace(*input.OS))
		osType = &v
	}
	envID := uuid.NullUUID{}
	if input.EnvironmentID != nil {
		envID = uuid.NullUUID{UUID: *input.EnvironmentID, Valid: true}
	}

	var host models.Host
	query := `
		UPDATE hosts SET
			name = COALESCE($2, name),
			hostname = COALESCE($3, hostname),
			os = COALESCE($4, os),
			environment_id = CASE WHEN $5::uuid IS NULL THEN environment_id ELSE $5::uuid END,
			description = COALESCE($6, description),
			config = COALESCE($7, config),
			gateway_url = COALESCE($8, gateway_url),
			listen_port = COALESCE($9, listen_port),
			heartbeat_interval = COALESCE($10, heartbeat_interval)
		WHERE id = $1
		RETURNING ` + hostColumns
	err := s.db.GetContext(ctx, &host, query, id,
		input.Name, input.Hostname, osType, envID, input.Description,
		input.Config, input.GatewayURL, input.ListenPort, input.HeartbeatInterval)
	if err != nil {
		return nil, translate(err)
	}
	return &host, nil
}

func (s *Storage) DeleteHost(ctx context.Context, id uuid.UUID) error {
	return expectOne(s.db.ExecContext(ctx, `DELETE FROM hosts WHERE id = $1`, id))
}

// UpdateHostStatus sets the status. ONLINE also refreshes last_heartbeat and,
// when osType is non-empty, the declared OS.
func (s *Storage) UpdateHostStatus(ctx context.Context, id uuid.UUID, status models.HostStatus, osType string) error {
	if status != models.HostOnline {
		return expectOne(s.db.ExecContext(ctx, `UPDATE hosts SET status = $1 WHERE id = $2`, status, id))
	}
	query := `
		UPDATE hosts
		SET status = $1, last_heartbeat = $2, os = COALESCE(NULLIF($3, ''), os)
		WHERE id = $4
	`
	return expectOne(s.db.ExecContext(ctx, query, status, time.Now().UTC(), osType, id))
}

func (s *Storage) ListEnvironments(ctx context.Context) ([]models.Environment, error) {
	envs := []models.Environment{}
	query := `SELECT id, name, description, created_at FROM environments ORDER BY name`
	if err := s.db.SelectContext(ctx, &envs, query); err != nil {
		return nil, err
	}
	return envs, nil
}

func (s *Storage) GetEnvironment(ctx context.Context, id uuid.UUID) (*models.Environment, error) {
	var env models.Environment
	query := `SELECT id, name, description, created_at FROM environments WHERE id = $1`
	if err := s.db.GetContext(ctx, &env, query, id); err != nil {
		return nil, translate(err)
	}
	return &env, nil
}

func (s *Storage) CreateEnvironment(ctx context.Context, name, description string) (*models.Environment, error) {
	var env models.Environment
	query := `
		INSERT INTO environments (name, description)
		VALUES ($1, $2)
		RETURNING id, name, description, created_at
	`
	if err := s.db.GetContext(ctx, &env, query, name, description); err != nil {
		return nil, translate(err)
	}
	return &env, nil
}
