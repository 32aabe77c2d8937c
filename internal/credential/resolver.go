package credential

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"fleet-server/internal/apperr"
	"fleet-server/internal/models"
)

const tokenConnectTimeout = 10 * time.Second

// ScriptRunner executes a token script and returns its stdout.
type ScriptRunner func(ctx context.Context, script string, env []string) (string, error)

// Resolver turns a stored credential into HTTP auth headers.
type Resolver struct {
	client    *http.Client
	runScript ScriptRunner
}

func NewResolver() *Resolver {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: tokenConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	return &Resolver{
		client:    &http.Client{Transport: transport},
		runScript: runShell,
	}
}

// WithScriptRunner replaces the subprocess runner.
func (r *Resolver) WithScriptRunner(run ScriptRunner) *Resolver {
	r.runScript = run
	return r
}

// Headers returns the headers to attach for cred. A nil credential or an
// empty token yields no headers. gitlab selects the PRIVATE-TOKEN defaults.
func (r *Resolver) Headers(ctx context.Context, cred *models.Credential, gitlab bool) (map[string]string, error) {
	if cred == nil {
		return map[string]string{}, nil
	}
	config, err := parseConfig(cred.Config)
	if err != nil {
		return nil, err
	}

	token, err := r.token(ctx, cred.Type, config)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(token) == "" {
		return map[string]string{}, nil
	}

	headerName := strings.TrimSpace(config.Get("headerName").String())
	if headerName == "" {
		if gitlab {
			headerName = "PRIVATE-TOKEN"
		} else {
			headerName = "Authorization"
		}
	}
	headerPrefix := config.Get("headerPrefix").String()
	if strings.TrimSpace(headerPrefix) == "" {
		if gitlab {
			headerPrefix = ""
		} else {
			headerPrefix = "Bearer "
		}
	}
	return map[string]string{headerName: headerPrefix + token}, nil
}

func parseConfig(raw string) (gjson.Result, error) {
	if strings.TrimSpace(raw) == "" {
		return gjson.Parse("{}"), nil
	}
	if !gjson.Valid(raw) {
		return gjson.Result{}, apperr.Internal("Failed to parse credential config")
	}
	return gjson.Parse(raw), nil
}

func (r *Resolver) token(ctx context.Context, typ models.CredentialType, config gjson.Result) (string, error) {
	switch typ {
	case models.CredentialStaticToken:
		return config.Get("token").String(), nil
	case models.CredentialAPIToken:
		return r.requestAPIToken(ctx, config)
	case models.CredentialScriptToken:
		return r.requestScriptToken(ctx, config)
	case models.CredentialSSOToken:
		if token := config.Get("token").String(); strings.TrimSpace(token) != "" {
			return token, nil
		}
		return config.Get("accessToken").String(), nil
	default:
		return "", nil
	}
}

// requestAPIToken performs an OAuth2 client-credentials exchange.
func (r *Resolver) requestAPIToken(ctx context.Context, config gjson.Result) (string, error) {
	tokenURL := strings.TrimSpace(config.Get("tokenUrl").String())
	if tokenURL == "" {
		return "", nil
	}

	body := "grant_type=client_credentials"
	for _, field := range []struct{ key, param string }{
		{"clientId", "client_id"},
		{"clientSecret", "client_secret"},
		{"scope", "scope"},
	} {
		if v := config.Get(field.key).String(); strings.TrimSpace(v) != "" {
			body += "&" + field.param + "=" + FormEncode(v)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(body))
	if err != nil {
		return "", apperr.Gateway("Failed to request token: %s", err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", apperr.Gateway("Failed to request token: %s", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperr.Gateway("Failed to request token: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Gateway("Failed to request token: %s", err.Error())
	}
	if !gjson.ValidBytes(data) {
		return "", apperr.Gateway("Failed to request token: invalid response body")
	}
	doc := gjson.ParseBytes(data)
	if token := doc.Get("access_token").String(); strings.TrimSpace(token) != "" {
		return token, nil
	}
	return doc.Get("token").String(), nil
}

func (r *Resolver) requestScriptToken(ctx context.Context, config gjson.Result) (string, error) {
	baseToken := config.Get("baseToken").String()
	script := config.Get("script").String()
	if strings.TrimSpace(script) == "" {
		return baseToken, nil
	}

	var env []string
	if strings.TrimSpace(baseToken) != "" {
		env = append(env, "BASE_TOKEN="+baseToken)
	}
	out, err := r.runScript(ctx, script, env)
	if err != nil {
		return "", apperr.Wrap(apperr.KindGateway, err, "Script token generation failed")
	}
	if token := strings.TrimSpace(out); token != "" {
		return token, nil
	}
	return baseToken, nil
}

func runShell(ctx context.Context, script string, env []string) (string, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/c", script)
	} else {
		cmd = exec.CommandContext(ctx, "bash", "-lc", script)
	}
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.Warn().Err(err).Str("stderr", strings.TrimSpace(stderr.String())).Msg("Token script failed")
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("exit code %d", exitErr.ExitCode())
		}
		return "", err
	}
	return stdout.String(), nil
}

// FormEncode is form-style percent-encoding with spaces as %20.
func FormEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
