package hostsvc

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-server/internal/apperr"
	"fleet-server/internal/artifact"
	"fleet-server/internal/models"
	"fleet-server/internal/resolver"
	"fleet-server/internal/storage"
)

type fakeStore struct {
	hosts      map[uuid.UUID]*models.Host
	envs       map[uuid.UUID]*models.Environment
	candidates []models.TemplateCandidate
}

func newFakeStore() *fakeStore {
	return &fakeStore{hosts: map[uuid.UUID]*models.Host{}, envs: map[uuid.UUID]*models.Environment{}}
}

func (f *fakeStore) ListHosts(context.Context) ([]models.Host, error) {
	out := []models.Host{}
	for _, h := range f.hosts {
		out = append(out, *h)
	}
	return out, nil
}

func (f *fakeStore) ListHostsByEnvironment(_ context.Context, envID uuid.UUID) ([]models.Host, error) {
	out := []models.Host{}
	for _, h := range f.hosts {
		if h.EnvironmentID.Valid && h.EnvironmentID.UUID == envID {
			out = append(out, *h)
		}
	}
	return out, nil
}

func (f *fakeStore) GetHost(_ context.Context, id uuid.UUID) (*models.Host, error) {
	h, ok := f.hosts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return h, nil
}

func (f *fakeStore) CreateHost(_ context.Context, in models.CreateHostInput) (*models.Host, error) {
	h := &models.Host{ID: uuid.New(), Name: in.Name, OS: strings.ToUpper(in.OS), Status: models.HostUnconnected, SecretKey: uuid.NewString()}
	if in.EnvironmentID != nil {
		h.EnvironmentID = uuid.NullUUID{UUID: *in.EnvironmentID, Valid: true}
	}
	f.hosts[h.ID] = h
	return h, nil
}

func (f *fakeStore) UpdateHost(_ context.Context, id uuid.UUID, in models.UpdateHostInput) (*models.Host, error) {
	h, ok := f.hosts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if in.Name != nil {
		h.Name = *in.Name
	}
	return h, nil
}

func (f *fakeStore) DeleteHost(_ context.Context, id uuid.UUID) error {
	if _, ok := f.hosts[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.hosts, id)
	return nil
}

func (f *fakeStore) GetEnvironment(_ context.Context, id uuid.UUID) (*models.Environment, error) {
	e, ok := f.envs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) ListTemplateCandidates(context.Context) ([]models.TemplateCandidate, error) {
	return f.candidates, nil
}

type fakeConnector struct {
	ok           bool
	timeout      time.Duration
	disconnected []uuid.UUID
}

func (c *fakeConnector) ConnectAndWait(_ *models.Host, timeout time.Duration) bool {
	c.timeout = timeout
	return c.ok
}

func (c *fakeConnector) Disconnect(id uuid.UUID) { c.disconnected = append(c.disconnected, id) }

type fakeOpener struct {
	opened int
	body   string
	err    error
}

func (o *fakeOpener) Open(_ context.Context, _ uuid.UUID) (*artifact.Artifact, error) {
	if o.err != nil {
		return nil, o.err
	}
	o.opened++
	return &artifact.Artifact{Body: io.NopCloser(strings.NewReader(o.body)), FileName: "bin"}, nil
}

type fakeWriter struct {
	res    *resolver.Resource
	config string
}

func (w *fakeWriter) Write(out io.Writer, res *resolver.Resource, binary io.Reader, config string) error {
	w.res = res
	w.config = config
	_, err := io.Copy(out, binary)
	return err
}

type fixture struct {
	svc    *Service
	store  *fakeStore
	conns  *fakeConnector
	opener *fakeOpener
	writer *fakeWriter
}

func newFixture() *fixture {
	f := &fixture{
		store:  newFakeStore(),
		conns:  &fakeConnector{},
		opener: &fakeOpener{body: "agent-binary"},
		writer: &fakeWriter{},
	}
	f.svc = NewService(f.store, f.conns, f.opener, f.writer, 5*time.Second, "https://releases.example/download/")
	return f
}

func (f *fixture) addHost(os string) *models.Host {
	h := &models.Host{ID: uuid.New(), Name: "web", OS: os, SecretKey: "k", ListenPort: 9090, HeartbeatInterval: 30}
	f.store.hosts[h.ID] = h
	return h
}

func (f *fixture) addCandidate(os models.OsType, fileName string) uuid.UUID {
	id := uuid.New()
	f.store.candidates = append(f.store.candidates, models.TemplateCandidate{
		SourceID:     id,
		SourceName:   "src-" + string(os),
		SourceConfig: `{"fileName":"` + fileName + `"}`,
		OsType:       os,
	})
	return id
}

func TestConnectProbe(t *testing.T) {
	f := newFixture()
	host := f.addHost("LINUX")

	err := f.svc.Connect(context.Background(), host.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))
	assert.Equal(t, 5*time.Second, f.conns.timeout)

	f.conns.ok = true
	assert.NoError(t, f.svc.Connect(context.Background(), host.ID))

	err = f.svc.Connect(context.Background(), uuid.New())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, "Host not found", apperr.Message(err))
}

func TestInstallGuideLinux(t *testing.T) {
	f := newFixture()
	host := f.addHost("linux")
	srcID := f.addCandidate(models.OsLinux, "host-agent-linux-amd64")

	guide, err := f.svc.InstallGuide(context.Background(), host.ID)
	require.NoError(t, err)

	assert.Equal(t, host.ID, guide.HostID)
	assert.Equal(t, "k", guide.SecretKey)
	assert.Equal(t, "./install.sh", guide.InstallCommand)
	assert.Equal(t, "./update.sh <new-package-dir>", guide.UpdateCommand)
	assert.Equal(t, "./logs/host-agent.log", guide.LogPath)
	assert.Equal(t, "./host-agent.pid", guide.PIDFile)
	assert.Empty(t, guide.DockerCommand)
	assert.Equal(t, "host-agent-linux.tar.gz", guide.PackageFileName)
	assert.Equal(t, "https://releases.example/download/host-agent-linux.tar.gz", guide.DownloadURL)
	assert.Equal(t, srcID, guide.Resource.SourceID)
}

func TestInstallGuideWindows(t *testing.T) {
	f := newFixture()
	host := f.addHost("WINDOWS")
	f.addCandidate(models.OsAll, "host-agent-any")

	guide, err := f.svc.InstallGuide(context.Background(), host.ID)
	require.NoError(t, err)
	assert.Equal(t, "install.bat", guide.InstallCommand)
	assert.Equal(t, "start.bat", guide.StartCommand)
	assert.Equal(t, `.\logs\host-agent.log`, guide.LogPath)
	assert.Equal(t, `.\host-agent.pid`, guide.PIDFile)
	assert.Equal(t, "host-agent-windows.zip", guide.PackageFileName)
}

func TestPackageFileName(t *testing.T) {
	assert.Equal(t, "host-agent-windows.zip", PackageFileName(models.OsWindows))
	assert.Equal(t, "host-agent-macos.tar.gz", PackageFileName(models.OsMacOS))
	assert.Equal(t, "host-agent-linux.tar.gz", PackageFileName(models.OsLinuxDocker))
}

func TestOpenPackageRejectsMismatchedSource(t *testing.T) {
	f := newFixture()
	host := f.addHost("LINUX")
	f.addCandidate(models.OsLinux, "host-agent-linux-amd64")

	_, err := f.svc.OpenPackage(context.Background(), host.ID, uuid.New())
	require.Error(t, err)
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
	assert.Equal(t, "sourceId does not match the HostAgent resource bound to host OS: LINUX", apperr.Message(err))
	assert.Zero(t, f.opener.opened)
}

func TestOpenPackageFailsBeforeWriting(t *testing.T) {
	f := newFixture()
	host := f.addHost("LINUX")
	srcID := f.addCandidate(models.OsLinux, "host-agent-linux-amd64")
	f.opener.err = apperr.Gateway("Failed to download file: 503")

	pkg, err := f.svc.OpenPackage(context.Background(), host.ID, srcID)
	assert.Nil(t, pkg)
	assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))
}

func TestOpenPackageStreamsBundle(t *testing.T) {
	f := newFixture()
	host := f.addHost("LINUX")
	srcID := f.addCandidate(models.OsLinux, "host-agent-linux-amd64")

	pkg, err := f.svc.OpenPackage(context.Background(), host.ID, srcID)
	require.NoError(t, err)
	assert.Equal(t, "host-agent-linux.tar.gz", pkg.FileName)

	var buf bytes.Buffer
	require.NoError(t, pkg.WriteTo(&buf))
	assert.Equal(t, "agent-binary", buf.String())
	assert.Equal(t, "host-agent-linux-amd64", f.writer.res.FileName)
	assert.Contains(t, f.writer.config, "host_id: "+host.ID.String())
	assert.Contains(t, f.writer.config, "secret_key: k")
}

func TestCreateRequiresKnownEnvironment(t *testing.T) {
	f := newFixture()
	missing := uuid.New()

	_, err := f.svc.Create(context.Background(), models.CreateHostInput{Name: "db", EnvironmentID: &missing})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
	assert.Equal(t, "Environment not found", apperr.Message(err))

	envID := uuid.New()
	f.store.envs[envID] = &models.Environment{ID: envID, Name: "prod"}
	host, err := f.svc.Create(context.Background(), models.CreateHostInput{Name: "db", OS: "linux", EnvironmentID: &envID})
	require.NoError(t, err)
	assert.Equal(t, models.HostUnconnected, host.Status)

	hosts, err := f.svc.List(context.Background(), &envID)
	require.NoError(t, err)
	assert.Len(t, hosts, 1)
}

func TestDeleteDisconnects(t *testing.T) {
	f := newFixture()
	host := f.addHost("LINUX")

	require.NoError(t, f.svc.Delete(context.Background(), host.ID))
	assert.Equal(t, []uuid.UUID{host.ID}, f.conns.disconnected)

	err := f.svc.Delete(context.Background(), host.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestConfigFile(t *testing.T) {
	f := newFixture()
	host := f.addHost("LINUX")
	host.Config = "log_level: debug"

	text, err := f.svc.ConfigFile(context.Background(), host.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "# HostAgent Configuration\nlisten_port: 9090\n"))
	assert.Contains(t, text, "heartbeat_interval: 30s\n")
	assert.True(t, strings.HasSuffix(text, "# User defined config\nlog_level: debug"))
}
