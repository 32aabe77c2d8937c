package hostsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fleet-server/internal/apperr"
	"fleet-server/internal/artifact"
	"fleet-server/internal/bundle"
	"fleet-server/internal/models"
	"fleet-server/internal/resolver"
	"fleet-server/internal/storage"
)

const (
	packageWindows = "host-agent-windows.zip"
	packageMacOS   = "host-agent-macos.tar.gz"
	packageLinux   = "host-agent-linux.tar.gz"
)

type Store interface {
	ListHosts(ctx context.Context) ([]models.Host, error)
	ListHostsByEnvironment(ctx context.Context, envID uuid.UUID) ([]models.Host, error)
	GetHost(ctx context.Context, id uuid.UUID) (*models.Host, error)
	CreateHost(ctx context.Context, input models.CreateHostInput) (*models.Host, error)
	UpdateHost(ctx context.Context, id uuid.UUID, input models.UpdateHostInput) (*models.Host, error)
	DeleteHost(ctx context.Context, id uuid.UUID) error
	GetEnvironment(ctx context.Context, id uuid.UUID) (*models.Environment, error)
	ListTemplateCandidates(ctx context.Context) ([]models.TemplateCandidate, error)
}

// Connector is the part of the connection manager the service drives.
type Connector interface {
	ConnectAndWait(host *models.Host, timeout time.Duration) bool
	Disconnect(hostID uuid.UUID)
}

type ArtifactOpener interface {
	Open(ctx context.Context, sourceID uuid.UUID) (*artifact.Artifact, error)
}

type PackageWriter interface {
	Write(w io.Writer, res *resolver.Resource, binary io.Reader, config string) error
}

type Service struct {
	store        Store
	conns        Connector
	artifacts    ArtifactOpener
	packages     PackageWriter
	probeTimeout time.Duration
	releaseBase  string
}

func NewService(store Store, conns Connector, artifacts ArtifactOpener, packages PackageWriter, probeTimeout time.Duration, releaseBase string) *Service {
	return &Service{
		store:        store,
		conns:        conns,
		artifacts:    artifacts,
		packages:     packages,
		probeTimeout: probeTimeout,
		releaseBase:  strings.TrimRight(releaseBase, "/"),
	}
}

// InstallGuide describes how to fetch and run the agent on a host.
type InstallGuide struct {
	HostID          uuid.UUID          `json:"hostId"`
	SecretKey       string             `json:"secretKey"`
	InstallCommand  string             `json:"installCommand"`
	DockerCommand   string             `json:"dockerCommand"`
	DownloadURL     string             `json:"downloadUrl"`
	PackageFileName string             `json:"packageFileName"`
	StartCommand    string             `json:"startCommand"`
	StopCommand     string             `json:"stopCommand"`
	UpdateCommand   string             `json:"updateCommand"`
	LogPath         string             `json:"logPath"`
	PIDFile         string             `json:"pidFile"`
	Resource        *resolver.Resource `json:"resource"`
}

func (s *Service) host(ctx context.Context, id uuid.UUID) (*models.Host, error) {
	host, err := s.store.GetHost(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("Host not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get host: %w", err)
	}
	return host, nil
}

func (s *Service) List(ctx context.Context, envID *uuid.UUID) ([]models.Host, error) {
	if envID != nil {
		return s.store.ListHostsByEnvironment(ctx, *envID)
	}
	return s.store.ListHosts(ctx)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Host, error) {
	return s.host(ctx, id)
}

func (s *Service) checkEnvironment(ctx context.Context, envID *uuid.UUID) error {
	if envID == nil {
		return nil
	}
	_, err := s.store.GetEnvironment(ctx, *envID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.BadRequest("Environment not found")
	}
	return err
}

func (s *Service) Create(ctx context.Context, input models.CreateHostInput) (*models.Host, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, apperr.BadRequest("Host name is required")
	}
	if err := s.checkEnvironment(ctx, input.EnvironmentID); err != nil {
		return nil, err
	}
	host, err := s.store.CreateHost(ctx, input)
	if errors.Is(err, storage.ErrDuplicate) {
		return nil, apperr.Conflict("Host already exists")
	}
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}
	log.Info().Str("host_id", host.ID.String()).Str("name", host.Name).Msg("Host created")
	return host, nil
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, input models.UpdateHostInput) (*models.Host, error) {
	if err := s.checkEnvironment(ctx, input.EnvironmentID); err != nil {
		return nil, err
	}
	host, err := s.store.UpdateHost(ctx, id, input)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("Host not found")
	}
	if err != nil {
		return nil, fmt.Errorf("update host: %w", err)
	}
	return host, nil
}

// Delete drops the session, if any, and removes the host.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	err := s.store.DeleteHost(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound("Host not found")
	case errors.Is(err, storage.ErrInUse):
		return apperr.Conflict("Host is still referenced by agent instances")
	case err != nil:
		return fmt.Errorf("delete host: %w", err)
	}
	s.conns.Disconnect(id)
	return nil
}

// Connect performs a live probe and fails when the agent does not answer in time.
func (s *Service) Connect(ctx context.Context, id uuid.UUID) error {
	host, err := s.host(ctx, id)
	if err != nil {
		return err
	}
	if !s.conns.ConnectAndWait(host, s.probeTimeout) {
		return apperr.Gateway("Failed to connect to HostAgent. Please ensure the agent is running and accessible.")
	}
	return nil
}

func (s *Service) resolve(ctx context.Context, host *models.Host) (*resolver.Resource, error) {
	candidates, err := s.store.ListTemplateCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list template candidates: %w", err)
	}
	return resolver.Resolve(host.OS, candidates)
}

func (s *Service) InstallGuide(ctx context.Context, id uuid.UUID) (*InstallGuide, error) {
	host, err := s.host(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	fileName := PackageFileName(res.OsType)
	guide := &InstallGuide{
		HostID:          host.ID,
		SecretKey:       host.SecretKey,
		DownloadURL:     s.releaseBase + "/" + fileName,
		PackageFileName: fileName,
		Resource:        res,
	}
	if res.OsType == models.OsWindows {
		guide.InstallCommand = "install.bat"
		guide.StartCommand = "start.bat"
		guide.StopCommand = "stop.bat"
		guide.UpdateCommand = "update.bat <new-package-dir>"
		guide.LogPath = `.\logs\host-agent.log`
		guide.PIDFile = `.\host-agent.pid`
	} else {
		guide.InstallCommand = "./install.sh"
		guide.StartCommand = "./start.sh"
		guide.StopCommand = "./stop.sh"
		guide.UpdateCommand = "./update.sh <new-package-dir>"
		guide.LogPath = "./logs/host-agent.log"
		guide.PIDFile = "./host-agent.pid"
	}
	return guide, nil
}

func (s *Service) ConfigFile(ctx context.Context, id uuid.UUID) (string, error) {
	host, err := s.host(ctx, id)
	if err != nil {
		return "", err
	}
	return bundle.RenderConfig(host), nil
}

// PackageFileName is the download name of the bundle for osType.
func PackageFileName(osType models.OsType) string {
	switch osType {
	case models.OsWindows:
		return packageWindows
	case models.OsMacOS:
		return packageMacOS
	default:
		return packageLinux
	}
}

// Package is a bundle whose upstream stream is already open.
type Package struct {
	FileName string
	Resource *resolver.Resource

	hostID  uuid.UUID
	art     *artifact.Artifact
	config  string
	builder PackageWriter
}

// WriteTo streams the bundle to w and releases the upstream stream.
func (p *Package) WriteTo(w io.Writer) error {
	defer p.art.Body.Close()
	if err := p.builder.Write(w, p.Resource, p.art.Body, p.config); err != nil {
		log.Error().Err(err).Str("host_id", p.hostID.String()).Msg("Failed to create package")
		return fmt.Errorf("write package: %w", err)
	}
	return nil
}

// Close releases the upstream stream without writing.
func (p *Package) Close() error {
	return p.art.Body.Close()
}

// OpenPackage resolves the host resource, checks sourceID against it and
// opens the artifact stream. Nothing has been written when it returns an error.
func (s *Service) OpenPackage(ctx context.Context, hostID, sourceID uuid.UUID) (*Package, error) {
	host, err := s.host(ctx, hostID)
	if err != nil {
		return nil, err
	}
	res, err := s.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if res.SourceID != sourceID {
		return nil, apperr.BadRequest("sourceId does not match the HostAgent resource bound to host OS: %s", res.OsType)
	}

	art, err := s.artifacts.Open(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return &Package{
		FileName: PackageFileName(res.OsType),
		Resource: res,
		hostID:   host.ID,
		art:      art,
		config:   bundle.RenderConfig(host),
		builder:  s.packages,
	}, nil
}

// OpenSource opens a raw source artifact for direct download.
func (s *Service) OpenSource(ctx context.Context, sourceID uuid.UUID) (*artifact.Artifact, error) {
	return s.artifacts.Open(ctx, sourceID)
}
