package api

import (
	"bytes"
	"encoding/json"
)

// AgentRequest is the body of POST /api/strategy-agent.
type AgentRequest struct {
	Message string `json:"message"`
}

// AgentResponse from POST /api/strategy-agent.
type AgentResponse struct {
	FinalOutput string          `json:"finalOutput"`
	Streams     []StreamCommand `json:"streams"`
}

// StreamCommand wraps one opaque command to forward over the stream.
type StreamCommand struct {
	Payload json.RawMessage `json:"payload"`
}

// Empty reports whether the payload is missing or falsy (null, "", false, 0).
func (s StreamCommand) Empty() bool {
	switch string(bytes.TrimSpace(s.Payload)) {
	case "", "null", `""`, "false", "0":
		return true
	}
	return false
}
