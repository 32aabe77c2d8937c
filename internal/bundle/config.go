package bundle

import (
	"fmt"
	"strings"

	"fleet-server/internal/models"
)

// RenderConfig produces the agent's config.yaml for host.
func RenderConfig(host *models.Host) string {
	listenPort := host.ListenPort
	if listenPort <= 0 {
		listenPort = models.DefaultListenPort
	}
	interval := host.HeartbeatInterval
	if interval <= 0 {
		interval = models.DefaultHeartbeatInterval
	}

	var b strings.Builder
	b.WriteString("# HostAgent Configuration\n")
	fmt.Fprintf(&b, "listen_port: %d\n", listenPort)
	fmt.Fprintf(&b, "host_id: %s\n", host.ID)
	fmt.Fprintf(&b, "secret_key: %s\n", host.SecretKey)
	fmt.Fprintf(&b, "heartbeat_interval: %ds\n", interval)

	if strings.TrimSpace(host.Config) != "" {
		b.WriteString("\n# User defined config\n")
		b.WriteString(host.Config)
	}
	return b.String()
}
