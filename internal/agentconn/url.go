package agentconn

import "strings"

// NormalizeURL turns a gateway URL into the agent websocket URL ending in /ws.
func NormalizeURL(raw string) string {
	var u string
	switch {
	case strings.HasPrefix(raw, "http://"):
		u = "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		u = "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		u = raw
	default:
		u = "ws://" + raw
	}

	if !strings.HasSuffix(u, "/ws") {
		if strings.HasSuffix(u, "/") {
			u += "ws"
		} else {
			u += "/ws"
		}
	}
	return u
}
