package storage

import (
	"context"

	"github.com/google/uuid"

	"fleet-server/internal/models"
)

func (s *Storage) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	creds := []models.Credential{}
	query := `SELECT id, name, type, config, created_at FROM agent_credentials ORDER BY name`
	if err := s.db.SelectContext(ctx, &creds, query); err != nil {
		return nil, err
	}
	return creds, nil
}

func (s *Storage) GetCredential(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	var cred models.Credential
	query := `SELECT id, name, type, config, created_at FROM agent_credentials WHERE id = $1`
	if err := s.db.GetContext(ctx, &cred, query, id); err != nil {
		return nil, translate(err)
	}
	return &cred, nil
}

func (s *Storage) CreateCredential(ctx context.Context, c models.Credential) (*models.Credential, error) {
	query := `
		INSERT INTO agent_credentials (name, type, config)
		VALUES ($1, $2, $3)
		RETURNING id, name, type, config, created_at
	`
	var cred models.Credential
	if err := s.db.GetContext(ctx, &cred, query, c.Name, c.Type, c.Config); err != nil {
		return nil, translate(err)
	}
	return &cred, nil
}

// DeleteCredential returns ErrInUse while a repository or source still references the credential.
func (s *Storage) DeleteCredential(ctx context.Context, id uuid.UUID) error {
	return expectOne(s.db.ExecContext(ctx, `DELETE FROM agent_credentials WHERE id = $1`, id))
}

const repositoryColumns = `id, name, type, base_url, project_path, default_branch, credential_id, created_at`

func (s *Storage) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	repos := []models.Repository{}
	query := `SELECT ` + repositoryColumns + ` FROM agent_repositories ORDER BY name`
	if err := s.db.SelectContext(ctx, &repos, query); err != nil {
		return nil, err
	}
	return repos, nil
}

func (s *Storage) GetRepository(ctx context.Context, id uuid.UUID) (*models.Repository, error) {
	var repo models.Repository
	query := `SELECT ` + repositoryColumns + ` FROM agent_repositories WHERE id = $1`
	if err := s.db.GetContext(ctx, &repo, query, id); err != nil {
		return nil, translate(err)
	}
	return &repo, nil
}

func (s *Storage) CreateRepository(ctx context.Context, r models.Repository) (*models.Repository, error) {
	query := `
		INSERT INTO agent_repositories (name, type, base_url, project_path, default_branch, credential_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + repositoryColumns
	var repo models.Repository
	err := s.db.GetContext(ctx, &repo, query, r.Name, r.Type, r.BaseURL, r.ProjectPath, r.DefaultBranch, r.CredentialID)
	if err != nil {
		return nil, translate(err)
	}
	return &repo, nil
}

const sourceColumns = `id, name, type, config, repository_id, credential_id, created_at`

func (s *Storage) ListSources(ctx context.Context) ([]models.Source, error) {
	sources := []models.Source{}
	query := `SELECT ` + sourceColumns + ` FROM agent_sources ORDER BY name`
	if err := s.db.SelectContext(ctx, &sources, query); err != nil {
		return nil, err
	}
	return sources, nil
}

func (s *Storage) GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error) {
	var src models.Source
	query := `SELECT ` + sourceColumns + ` FROM agent_sources WHERE id = $1`
	if err := s.db.GetContext(ctx, &src, query, id); err != nil {
		return nil, translate(err)
	}
	return &src, nil
}

func (s *Storage) CreateSource(ctx context.Context, in models.Source) (*models.Source, error) {
	query := `
		INSERT INTO agent_sources (name, type, config, repository_id, credential_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + sourceColumns
	var src models.Source
	if err := s.db.GetContext(ctx, &src, query, in.Name, in.Type, in.Config, in.RepositoryID, in.CredentialID); err != nil {
		return nil, translate(err)
	}
	return &src, nil
}

const templateColumns = `id, name, description, os_type, source_id, created_at`

func (s *Storage) ListTemplates(ctx context.Context) ([]models.Template, error) {
	templates := []models.Template{}
	query := `SELECT ` + templateColumns + ` FROM agent_templates ORDER BY name`
	if err := s.db.SelectContext(ctx, &templates, query); err != nil {
		return nil, err
	}
	return templates, nil
}

func (s *Storage) CreateTemplate(ctx context.Context, in models.Template) (*models.Template, error) {
	query := `
		INSERT INTO agent_templates (name, description, os_type, source_id)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + templateColumns
	var tpl models.Template
	if err := s.db.GetContext(ctx, &tpl, query, in.Name, in.Description, in.OsType, in.SourceID); err != nil {
		return nil, translate(err)
	}
	return &tpl, nil
}

// ListTemplateCandidates returns every template that names a source, joined with that source.
func (s *Storage) ListTemplateCandidates(ctx context.Context) ([]models.TemplateCandidate, error) {
	candidates := []models.TemplateCandidate{}
	query := `
		SELECT s.id AS source_id, s.name AS source_name, s.config AS source_config, t.os_type
		FROM agent_templates t
		JOIN agent_sources s ON s.id = t.source_id
		ORDER BY t.created_at
	`
	if err := s.db.SelectContext(ctx, &candidates, query); err != nil {
		return nil, err
	}
	return candidates, nil
}
