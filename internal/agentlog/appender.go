package agentlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

var lineSeparator = func() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}()

// Appender writes one record per line to {dir}/{hostId}.log.
type Appender struct {
	dir string
	mu  sync.Mutex
}

func NewAppender(dir string) (*Appender, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	return &Appender{dir: dir}, nil
}

func (a *Appender) path(hostID string) string {
	return filepath.Join(a.dir, filepath.Base(hostID)+".log")
}

// Append is best effort: failures are logged and dropped.
func (a *Appender) Append(hostID, content string) {
	if content == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path(hostID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Error().Err(err).Str("host_id", hostID).Msg("Open agent log failed")
		return
	}
	defer f.Close()

	if _, err := f.WriteString(content + lineSeparator); err != nil {
		log.Error().Err(err).Str("host_id", hostID).Msg("Append agent log failed")
	}
}

// ReadLogs returns at most the last n lines. A missing file yields no lines.
func (a *Appender) ReadLogs(hostID string, n int) ([]string, error) {
	lines := []string{}
	f, err := os.Open(a.path(hostID))
	if os.IsNotExist(err) {
		return lines, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open agent log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimSuffix(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read agent log: %w", err)
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
