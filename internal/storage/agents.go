package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"fleet-server/internal/models"
)

const instanceColumns = `id, host_id, template_id, status, version, last_heartbeat_at, created_at`

func (s *Storage) GetAgentInstance(ctx context.Context, id uuid.UUID) (*models.AgentInstance, error) {
	var inst models.AgentInstance
	query := `SELECT ` + instanceColumns + ` FROM agent_instances WHERE id = $1`
	if err := s.db.GetContext(ctx, &inst, query, id); err != nil {
		return nil, translate(err)
	}
	return &inst, nil
}

func (s *Storage) ListAgentInstances(ctx context.Context, hostID uuid.UUID) ([]models.AgentInstance, error) {
	instances := []models.AgentInstance{}
	query := `SELECT ` + instanceColumns + ` FROM agent_instances WHERE host_id = $1 ORDER BY created_at`
	if err := s.db.SelectContext(ctx, &instances, query, hostID); err != nil {
		return nil, err
	}
	return instances, nil
}

func (s *Storage) CreateAgentInstance(ctx context.Context, hostID, templateID uuid.UUID) (*models.AgentInstance, error) {
	query := `
		INSERT INTO agent_instances (host_id, template_id)
		VALUES ($1, $2)
		RETURNING ` + instanceColumns
	var inst models.AgentInstance
	if err := s.db.GetContext(ctx, &inst, query, hostID, templateID); err != nil {
		return nil, translate(err)
	}
	return &inst, nil
}

func (s *Storage) UpdateAgentHeartbeat(ctx context.Context, id uuid.UUID, version string) error {
	query := `
		UPDATE agent_instances
		SET status = $1, last_heartbeat_at = $2, version = COALESCE(NULLIF($3, ''), version)
		WHERE id = $4
	`
	return expectOne(s.db.ExecContext(ctx, query, models.AgentOnline, time.Now().UTC(), version, id))
}

func (s *Storage) CreateAgentCommand(ctx context.Context, templateID uuid.UUID, name, script string, timeout int) (uuid.UUID, error) {
	var id uuid.UUID
	query := `
		INSERT INTO agent_commands (template_id, name, script, timeout)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	if err := s.db.QueryRowContext(ctx, query, templateID, name, script, timeout).Scan(&id); err != nil {
		return uuid.Nil, translate(err)
	}
	return id, nil
}

func (s *Storage) CreateAgentTask(ctx context.Context, instanceID, commandID uuid.UUID, args string) (uuid.UUID, error) {
	var id uuid.UUID
	query := `
		INSERT INTO agent_tasks (instance_id, command_id, args)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	if err := s.db.QueryRowContext(ctx, query, instanceID, commandID, args).Scan(&id); err != nil {
		return uuid.Nil, translate(err)
	}
	return id, nil
}

// ClaimPendingTasks moves every PENDING task of the instance to SENT and
// returns the claimed records. Concurrent claimers never receive the same task.
func (s *Storage) ClaimPendingTasks(ctx context.Context, instanceID uuid.UUID) ([]models.TaskRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var ids []uuid.UUID
	lock := `
		SELECT id FROM agent_tasks
		WHERE instance_id = $1 AND status = $2
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
	`
	if err := tx.SelectContext(ctx, &ids, lock, instanceID, models.TaskPending); err != nil {
		return nil, err
	}
	records := []models.TaskRecord{}
	if len(ids) == 0 {
		return records, tx.Commit()
	}

	claim := `
		UPDATE agent_tasks t
		SET status = $1, sent_at = $2
		FROM agent_commands c
		WHERE t.command_id = c.id AND t.id = ANY($3::uuid[])
		RETURNING t.id, c.name AS command_name, c.script, t.args, c.timeout
	`
	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = id.String()
	}
	if err := tx.SelectContext(ctx, &records, claim, models.TaskSent, time.Now().UTC(), pq.Array(idStrings)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return records, nil
}
