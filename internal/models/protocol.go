package models

import "encoding/json"

// Frame types exchanged over the agent channel.
const (
	FrameHeartbeat  = "HEARTBEAT"
	FrameLog        = "LOG"
	FrameExecResult = "EXEC_RESULT"
	FrameFetchLogs  = "FETCH_LOGS"
	FrameLogHistory = "LOG_HISTORY"
)

// AgentMessage is the JSON envelope of every control frame.
type AgentMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// HeartbeatRequest is the HEARTBEAT content and the REST gateway heartbeat body.
type HeartbeatRequest struct {
	AgentID   string `json:"agentId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	OsType    string `json:"osType"`
}

// ExecResult is the EXEC_RESULT content.
type ExecResult struct {
	Status     string `json:"status"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
}
