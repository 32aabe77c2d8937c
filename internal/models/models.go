package models

import (
	"time"

	"github.com/google/uuid"
)

type HostStatus string

const (
	HostUnconnected HostStatus = "UNCONNECTED"
	HostException   HostStatus = "EXCEPTION"
	HostOnline      HostStatus = "ONLINE"
	HostOffline     HostStatus = "OFFLINE"
)

// Connectable reports whether the connection manager may dial a host in this status.
func (s HostStatus) Connectable() bool {
	return s != HostUnconnected && s != HostException
}

type OsType string

const (
	OsLinux       OsType = "LINUX"
	OsWindows     OsType = "WINDOWS"
	OsLinuxDocker OsType = "LINUX_DOCKER"
	OsMacOS       OsType = "MACOS"
	OsAll         OsType = "ALL"
)

const (
	DefaultListenPort        = 9090
	DefaultHeartbeatInterval = 30
)

type Environment struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type Host struct {
	ID                uuid.UUID     `json:"id" db:"id"`
	Name              string        `json:"name" db:"name"`
	Hostname          string        `json:"hostname" db:"hostname"`
	OS                string        `json:"os" db:"os"`
	EnvironmentID     uuid.NullUUID `json:"environment_id" db:"environment_id"`
	Status            HostStatus    `json:"status" db:"status"`
	SecretKey         string        `json:"secret_key" db:"secret_key"`
	HeartbeatInterval int           `json:"heartbeat_interval" db:"heartbeat_interval"`
	Config            string        `json:"config" db:"config"`
	GatewayURL        string        `json:"gateway_url" db:"gateway_url"`
	ListenPort        int           `json:"listen_port" db:"listen_port"`
	Description       string        `json:"description" db:"description"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	LastHeartbeat     *time.Time    `json:"last_heartbeat" db:"last_heartbeat"`
}

// HeartbeatWindow is the period after which a silent host is considered gone.
func (h *Host) HeartbeatWindow() time.Duration {
	interval := h.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return 3 * time.Duration(interval) * time.Second
}

type CreateHostInput struct {
	Name              string     `json:"name"`
	Hostname          string     `json:"hostname"`
	OS                string     `json:"os"`
	EnvironmentID     *uuid.UUID `json:"environment_id"`
	Description       string     `json:"description"`
	Config            string     `json:"config"`
	GatewayURL        string     `json:"gateway_url"`
	ListenPort        *int       `json:"listen_port"`
	HeartbeatInterval *int       `json:"heartbeat_interval"`
}

// UpdateHostInput carries a partial host update. Nil fields are left unchanged.
type UpdateHostInput struct {
	Name              *string    `json:"name"`
	Hostname          *string    `json:"hostname"`
	OS                *string    `json:"os"`
	EnvironmentID     *uuid.UUID `json:"environment_id"`
	Description       *string    `json:"description"`
	Config            *string    `json:"config"`
	GatewayURL        *string    `json:"gateway_url"`
	ListenPort        *int       `json:"listen_port"`
	HeartbeatInterval *int       `json:"heartbeat_interval"`
}

type CredentialType string

const (
	CredentialStaticToken CredentialType = "STATIC_TOKEN"
	CredentialAPIToken    CredentialType = "API_TOKEN"
	CredentialScriptToken CredentialType = "SCRIPT_TOKEN"
	CredentialSSOToken    CredentialType = "SSO_TOKEN"
)

type Credential struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	Name      string         `json:"name" db:"name"`
	Type      CredentialType `json:"type" db:"type"`
	Config    string         `json:"config" db:"config"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

type RepositoryType string

const (
	RepositoryGitLab    RepositoryType = "GITLAB"
	RepositoryMaven     RepositoryType = "MAVEN"
	RepositoryNextcloud RepositoryType = "NEXTCLOUD"
)

type Repository struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	Name          string         `json:"name" db:"name"`
	Type          RepositoryType `json:"type" db:"type"`
	BaseURL       string         `json:"base_url" db:"base_url"`
	ProjectPath   string         `json:"project_path" db:"project_path"`
	DefaultBranch string         `json:"default_branch" db:"default_branch"`
	CredentialID  uuid.NullUUID  `json:"credential_id" db:"credential_id"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}

type SourceType string

const (
	SourceHTTP      SourceType = "HTTP"
	SourceHTTPS     SourceType = "HTTPS"
	SourceGitLab    SourceType = "GITLAB"
	SourceMaven     SourceType = "MAVEN"
	SourceNextcloud SourceType = "NEXTCLOUD"
	SourceLocal     SourceType = "LOCAL"
	SourceGit       SourceType = "GIT"
	SourceDocker    SourceType = "DOCKER"
	SourceAliyun    SourceType = "ALIYUN"
)

type Source struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	Name         string        `json:"name" db:"name"`
	Type         SourceType    `json:"type" db:"type"`
	Config       string        `json:"config" db:"config"`
	RepositoryID uuid.NullUUID `json:"repository_id" db:"repository_id"`
	CredentialID uuid.NullUUID `json:"credential_id" db:"credential_id"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
}

type Template struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description" db:"description"`
	OsType      OsType        `json:"os_type" db:"os_type"`
	SourceID    uuid.NullUUID `json:"source_id" db:"source_id"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// TemplateCandidate is a template joined with the source it names.
type TemplateCandidate struct {
	SourceID     uuid.UUID `db:"source_id"`
	SourceName   string    `db:"source_name"`
	SourceConfig string    `db:"source_config"`
	OsType       OsType    `db:"os_type"`
}

type AgentStatus string

const (
	AgentUnconfigured AgentStatus = "UNCONFIGURED"
	AgentOnline       AgentStatus = "ONLINE"
	AgentOffline      AgentStatus = "OFFLINE"
	AgentError        AgentStatus = "ERROR"
)

type AgentInstance struct {
	ID              uuid.UUID   `json:"id" db:"id"`
	HostID          uuid.UUID   `json:"host_id" db:"host_id"`
	TemplateID      uuid.UUID   `json:"template_id" db:"template_id"`
	Status          AgentStatus `json:"status" db:"status"`
	Version         string      `json:"version" db:"version"`
	LastHeartbeatAt *time.Time  `json:"last_heartbeat_at" db:"last_heartbeat_at"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskSent    TaskStatus = "SENT"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskFailed  TaskStatus = "FAILED"
)

// TaskRecord is a pending task as handed to an agent.
type TaskRecord struct {
	ID          uuid.UUID `json:"id" db:"id"`
	CommandName string    `json:"commandName" db:"command_name"`
	Script      string    `json:"script" db:"script"`
	Args        string    `json:"args" db:"args"`
	Timeout     int       `json:"timeout" db:"timeout"`
}

type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
