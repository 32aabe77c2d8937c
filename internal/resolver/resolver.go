package resolver

import (
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"fleet-server/internal/apperr"
	"fleet-server/internal/models"
)

var fileNameKeys = []string{"fileName", "file", "assetName", "artifactName"}

// Resource is the candidate chosen for a host.
type Resource struct {
	SourceID   uuid.UUID     `json:"sourceId"`
	SourceName string        `json:"sourceName"`
	FileName   string        `json:"fileName"`
	OsType     models.OsType `json:"osType"`
}

// NormalizeHostOS maps a declared host OS onto a package target.
func NormalizeHostOS(hostOS string) (models.OsType, error) {
	if strings.TrimSpace(hostOS) == "" {
		return "", apperr.BadRequest("Host OS is required")
	}
	switch strings.ToUpper(strings.TrimSpace(hostOS)) {
	case "LINUX":
		return models.OsLinux, nil
	case "WINDOWS", "WIN":
		return models.OsWindows, nil
	case "LINUX_DOCKER", "DOCKER":
		return models.OsLinuxDocker, nil
	default:
		return "", apperr.BadRequest("Unsupported host OS for HostAgent package: %s", hostOS)
	}
}

// Resolve picks an exact OS match, else an ALL candidate.
func Resolve(hostOS string, candidates []models.TemplateCandidate) (*Resource, error) {
	target, err := NormalizeHostOS(hostOS)
	if err != nil {
		return nil, err
	}

	matching := make([]models.TemplateCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.SourceID == uuid.Nil {
			continue
		}
		if c.OsType == target || c.OsType == models.OsAll {
			matching = append(matching, c)
		}
	}
	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].OsType == target && matching[j].OsType != target
	})
	if len(matching) == 0 {
		return nil, apperr.NotFound("No HostAgent resource matched host OS: %s", target)
	}

	chosen := matching[0]
	config, err := parseConfig(chosen.SourceConfig)
	if err != nil {
		return nil, err
	}
	fileName := FileName(config)
	if strings.TrimSpace(fileName) == "" {
		return nil, apperr.BadRequest("HostAgent source is missing file metadata: %s", chosen.SourceName)
	}
	return &Resource{
		SourceID:   chosen.SourceID,
		SourceName: chosen.SourceName,
		FileName:   baseName(fileName),
		OsType:     target,
	}, nil
}

func parseConfig(raw string) (gjson.Result, error) {
	if strings.TrimSpace(raw) == "" {
		return gjson.Parse("{}"), nil
	}
	if !gjson.Valid(raw) {
		return gjson.Result{}, apperr.BadRequest("Failed to parse HostAgent source config")
	}
	return gjson.Parse(raw), nil
}

// FileName searches the source config for the artifact name. Empty when none is declared.
func FileName(config gjson.Result) string {
	if v := firstNonBlank(config, fileNameKeys); v != "" {
		return v
	}
	if v := nestedFileName(config.Get("target")); v != "" {
		return v
	}
	if targets := config.Get("targets"); targets.IsArray() {
		for _, t := range targets.Array() {
			if v := nestedFileName(t); v != "" {
				return v
			}
		}
	}
	for _, key := range []string{"url", "downloadUrl"} {
		if raw := config.Get(key).String(); strings.TrimSpace(raw) != "" {
			if v := fileNameFromURL(raw); v != "" {
				return v
			}
		}
	}
	if p := config.Get("filePath").String(); strings.TrimSpace(p) != "" {
		return baseName(p)
	}
	return ""
}

func nestedFileName(node gjson.Result) string {
	if !node.Exists() || !node.IsObject() {
		return ""
	}
	if v := firstNonBlank(node, fileNameKeys); v != "" {
		return v
	}
	if raw := node.Get("url").String(); strings.TrimSpace(raw) != "" {
		return fileNameFromURL(raw)
	}
	return ""
}

func firstNonBlank(node gjson.Result, keys []string) string {
	for _, key := range keys {
		if v := node.Get(key).String(); strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return ""
	}
	return path.Base(u.Path)
}

func baseName(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Base(strings.TrimSuffix(p, "/"))
}
