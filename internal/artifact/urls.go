package artifact

import (
	"path"
	"strings"

	"github.com/tidwall/gjson"

	"fleet-server/internal/apperr"
	"fleet-server/internal/credential"
	"fleet-server/internal/models"
)

// RepositoryURL composes the download URL for a repository-backed source.
func RepositoryURL(typ models.SourceType, repo *models.Repository, config gjson.Result) (string, error) {
	switch typ {
	case models.SourceGitLab:
		ref := config.Get("ref").String()
		if strings.TrimSpace(ref) == "" {
			ref = repo.DefaultBranch
		}
		if strings.TrimSpace(ref) == "" {
			ref = "main"
		}
		filePath := config.Get("filePath").String()
		if strings.TrimSpace(filePath) == "" {
			return "", apperr.BadRequest("filePath not configured for GitLab source")
		}
		return normalizeBaseURL(repo.BaseURL) +
			"/api/v4/projects/" + credential.FormEncode(repo.ProjectPath) +
			"/repository/files/" + credential.FormEncode(filePath) +
			"/raw?ref=" + credential.FormEncode(ref), nil

	case models.SourceMaven:
		if u := config.Get("downloadUrl").String(); strings.TrimSpace(u) != "" {
			return u, nil
		}
		c := mavenCoordinates(config)
		if c.groupID == "" || c.artifactID == "" || c.version == "" {
			return "", apperr.BadRequest("Maven coordinates not configured")
		}
		return repositoryBase(repo) + "/" + strings.ReplaceAll(c.groupID, ".", "/") +
			"/" + c.artifactID + "/" + c.version + "/" + c.fileName(), nil

	case models.SourceNextcloud:
		if u := config.Get("downloadUrl").String(); strings.TrimSpace(u) != "" {
			return u, nil
		}
		filePath := config.Get("filePath").String()
		if strings.TrimSpace(filePath) == "" {
			return "", apperr.BadRequest("filePath not configured for Nextcloud source")
		}
		return repositoryBase(repo) + "/" + trimSlashes(filePath), nil

	default:
		return "", apperr.BadRequest("Repository download not supported for this type")
	}
}

// RepositoryFileName picks config.fileName, then the GitLab file path or Maven
// name, then the URL tail.
func RepositoryFileName(typ models.SourceType, config gjson.Result, rawURL string) string {
	if name := config.Get("fileName").String(); strings.TrimSpace(name) != "" {
		return name
	}
	if filePath := strings.Trim(config.Get("filePath").String(), "/ "); typ == models.SourceGitLab && filePath != "" {
		return path.Base(filePath)
	}
	if typ == models.SourceMaven {
		if c := mavenCoordinates(config); c.artifactID != "" && c.version != "" {
			return c.fileName()
		}
	}
	return FileNameFromURL(rawURL)
}

type maven struct {
	groupID, artifactID, version, packaging, classifier string
}

func mavenCoordinates(config gjson.Result) maven {
	c := maven{
		groupID:    strings.TrimSpace(config.Get("groupId").String()),
		artifactID: strings.TrimSpace(config.Get("artifactId").String()),
		version:    strings.TrimSpace(config.Get("version").String()),
		packaging:  config.Get("packaging").String(),
		classifier: strings.TrimSpace(config.Get("classifier").String()),
	}
	if c.packaging == "" {
		c.packaging = "jar"
	}
	return c
}

func (c maven) fileName() string {
	name := c.artifactID + "-" + c.version
	if c.classifier != "" {
		name += "-" + c.classifier
	}
	return name + "." + c.packaging
}

func repositoryBase(repo *models.Repository) string {
	base := normalizeBaseURL(repo.BaseURL)
	if p := strings.TrimSpace(repo.ProjectPath); p != "" {
		base += "/" + trimSlashes(p)
	}
	return base
}

func normalizeBaseURL(base string) string {
	return strings.TrimSuffix(base, "/")
}

func trimSlashes(s string) string {
	return strings.Trim(s, "/")
}
