package artifact

import (
	"context"
	"embed"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"fleet-server/internal/apperr"
	"fleet-server/internal/credential"
	"fleet-server/internal/metrics"
	"fleet-server/internal/models"
	"fleet-server/internal/storage"
)

const (
	connectTimeout   = 15 * time.Second
	defaultFileName  = "agent-package"
	githubUserAgent  = "easy-station-agent/1.0"
	errorSnippetSize = 500
	maxErrorBody     = 8 << 10
)

//go:embed agents
var embedded embed.FS

// EmbeddedResources holds the agents/ tree compiled into the binary.
func EmbeddedResources() fs.FS { return embedded }

type Store interface {
	GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error)
	GetRepository(ctx context.Context, id uuid.UUID) (*models.Repository, error)
	GetCredential(ctx context.Context, id uuid.UUID) (*models.Credential, error)
}

// HeaderResolver is satisfied by *credential.Resolver.
type HeaderResolver interface {
	Headers(ctx context.Context, cred *models.Credential, gitlab bool) (map[string]string, error)
}

// Artifact is an opened download. The caller must close Body.
type Artifact struct {
	Body     io.ReadCloser
	FileName string
	URL      string
}

type Downloader struct {
	store  Store
	creds  HeaderResolver
	client *http.Client
	local  fs.FS
}

// NewDownloader builds a downloader. local is the resource root holding agents/.
func NewDownloader(store Store, creds HeaderResolver, local fs.FS) *Downloader {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	if local == nil {
		local = EmbeddedResources()
	}
	return &Downloader{
		store:  store,
		creds:  creds,
		client: &http.Client{Transport: transport},
		local:  local,
	}
}

// Open resolves the source and returns its byte stream.
func (d *Downloader) Open(ctx context.Context, sourceID uuid.UUID) (*Artifact, error) {
	src, err := d.store.GetSource(ctx, sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("Agent Source not found")
	}
	if err != nil {
		return nil, err
	}

	art, err := d.open(ctx, src)
	metrics.ArtifactDownloadsTotal.WithLabelValues(string(src.Type), metrics.Result(err == nil)).Inc()
	if err != nil {
		log.Warn().Err(err).Str("source_id", src.ID.String()).Str("source_type", string(src.Type)).Msg("Artifact download failed")
		return nil, err
	}
	log.Info().Str("source_id", src.ID.String()).Str("file", art.FileName).Str("url", art.URL).Msg("Artifact stream opened")
	return art, nil
}

func (d *Downloader) open(ctx context.Context, src *models.Source) (*Artifact, error) {
	config, err := parseConfig(src.Config)
	if err != nil {
		return nil, err
	}

	switch src.Type {
	case models.SourceHTTP, models.SourceHTTPS:
		rawURL := config.Get("url").String()
		if strings.TrimSpace(rawURL) == "" {
			return nil, apperr.BadRequest("URL not configured for this source")
		}
		fileName := config.Get("fileName").String()
		if strings.TrimSpace(fileName) == "" {
			fileName = FileNameFromURL(rawURL)
		}
		cred, err := d.credential(ctx, src.CredentialID)
		if err != nil {
			return nil, err
		}
		return d.fetch(ctx, rawURL, fileName, cred, false)

	case models.SourceGitLab, models.SourceMaven, models.SourceNextcloud:
		if !src.RepositoryID.Valid {
			return nil, apperr.BadRequest("Repository not configured for this source")
		}
		repo, err := d.store.GetRepository(ctx, src.RepositoryID.UUID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.BadRequest("Repository not configured for this source")
		}
		if err != nil {
			return nil, err
		}
		credID := src.CredentialID
		if !credID.Valid {
			credID = repo.CredentialID
		}
		cred, err := d.credential(ctx, credID)
		if err != nil {
			return nil, err
		}
		rawURL, err := RepositoryURL(src.Type, repo, config)
		if err != nil {
			return nil, err
		}
		return d.fetch(ctx, rawURL, RepositoryFileName(src.Type, config, rawURL), cred, src.Type == models.SourceGitLab)

	case models.SourceLocal:
		return d.openLocal(config)

	default:
		return nil, apperr.BadRequest("Download not supported for this source type")
	}
}

func (d *Downloader) credential(ctx context.Context, id uuid.NullUUID) (*models.Credential, error) {
	if !id.Valid {
		return nil, nil
	}
	cred, err := d.store.GetCredential(ctx, id.UUID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("Credential not found")
	}
	return cred, err
}

func (d *Downloader) openLocal(config gjson.Result) (*Artifact, error) {
	fileName := config.Get("file").String()
	if strings.TrimSpace(fileName) == "" {
		return nil, apperr.BadRequest("File not configured for this source")
	}
	name := "agents/" + fileName
	if !fs.ValidPath(name) {
		return nil, apperr.NotFound("Agent binary not found in resources: %s", fileName)
	}
	f, err := d.local.Open(name)
	if err != nil {
		return nil, apperr.NotFound("Agent binary not found in resources: %s", fileName)
	}
	return &Artifact{Body: f, FileName: fileName, URL: "local:" + name}, nil
}

func (d *Downloader) fetch(ctx context.Context, rawURL, fileName string, cred *models.Credential, gitlab bool) (*Artifact, error) {
	headers, err := d.creds.Headers(ctx, cred, gitlab)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperr.Gateway("Failed to download from URL. Upstream IO error: %s", err.Error())
	}
	if isGitHubURL(rawURL) {
		req.Header.Set("User-Agent", githubUserAgent)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, apperr.Gateway("Failed to download from URL. Upstream IO error: %s", err.Error())
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Artifact{Body: resp.Body, FileName: fileName, URL: rawURL}, nil
	}
	defer resp.Body.Close()

	msg := "Failed to download from URL. Upstream status: %d"
	if snippet := readSnippet(resp.Body); snippet != "" {
		return nil, apperr.Gateway(msg+", details: %s", resp.StatusCode, snippet)
	}
	return nil, apperr.Gateway(msg, resp.StatusCode)
}

func parseConfig(raw string) (gjson.Result, error) {
	if strings.TrimSpace(raw) == "" {
		return gjson.Parse("{}"), nil
	}
	if !gjson.Valid(raw) {
		return gjson.Result{}, apperr.Internal("Failed to parse source config")
	}
	return gjson.Parse(raw), nil
}

var whitespace = regexp.MustCompile(`\s+`)

func readSnippet(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return "failed to read upstream error body: " + err.Error()
	}
	text := strings.TrimSpace(whitespace.ReplaceAllString(string(data), " "))
	if len([]rune(text)) > errorSnippetSize {
		return string([]rune(text)[:errorSnippetSize]) + "..."
	}
	return text
}

func isGitHubURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "github.com" || host == "api.github.com" || strings.HasSuffix(host, ".github.com")
}

// FileNameFromURL returns the last path segment, or agent-package. Query and
// fragment never become part of the name.
func FileNameFromURL(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	i := strings.LastIndex(p, "/")
	if i >= 0 && i < len(p)-1 {
		return p[i+1:]
	}
	return defaultFileName
}

var _ HeaderResolver = (*credential.Resolver)(nil)
