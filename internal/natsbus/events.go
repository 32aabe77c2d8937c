package natsbus

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

const eventVersion = 1

const (
	KindStatus     = "status"
	KindExecResult = "exec_result"
)

// HostEvent is the msgpack payload published on fleet.hosts.{hostId}.events.
type HostEvent struct {
	V      int    `msgpack:"v"`
	TS     int64  `msgpack:"ts"`
	HostID string `msgpack:"host_id"`
	Kind   string `msgpack:"kind"`
	Status string `msgpack:"status,omitempty"`
	Detail string `msgpack:"detail,omitempty"`
}

func Subject(hostID string) string {
	return fmt.Sprintf("fleet.hosts.%s.events", hostID)
}

func Encode(ev HostEvent) ([]byte, error) {
	if ev.V == 0 {
		ev.V = eventVersion
	}
	if ev.TS == 0 {
		ev.TS = time.Now().UnixMilli()
	}
	return msgpack.Marshal(ev)
}

// PublishHostEvent sends the event asynchronously. Failures are logged and dropped.
func (c *Client) PublishHostEvent(hostID, kind, status, detail string) {
	data, err := Encode(HostEvent{HostID: hostID, Kind: kind, Status: status, Detail: detail})
	if err != nil {
		log.Warn().Err(err).Str("host_id", hostID).Msg("Encode host event failed")
		return
	}
	if _, err := c.js.PublishAsync(Subject(hostID), data); err != nil {
		log.Warn().Err(err).Str("host_id", hostID).Str("kind", kind).Msg("Publish host event failed")
	}
}
