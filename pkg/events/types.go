// Package events is the durable, per-mission ordered log of mission events.
package events

import (
	"encoding/json"
	"time"
)

// Type is the closed set of mission event kinds.
type Type string

const (
	TypeUserMessage          Type = "user_message"
	TypeThinking             Type = "thinking"
	TypeToolCall             Type = "tool_call"
	TypeToolResult           Type = "tool_result"
	TypeAssistantMessage     Type = "assistant_message"
	TypeMissionStatusChanged Type = "mission_status_changed"
	TypeError                Type = "error"
)

var knownTypes = map[Type]bool{
	TypeUserMessage:          true,
	TypeThinking:             true,
	TypeToolCall:             true,
	TypeToolResult:           true,
	TypeAssistantMessage:     true,
	TypeMissionStatusChanged: true,
	TypeError:                true,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	return knownTypes[t]
}

// ParseType converts a wire string into a Type.
func ParseType(s string) (Type, bool) {
	t := Type(s)
	return t, t.Valid()
}

// Event is one immutable entry of a mission's log.
type Event struct {
	ID        string          `json:"id"`
	MissionID string          `json:"mission_id"`
	Sequence  int64           `json:"sequence"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusPayload is the payload of mission_status_changed events.
type StatusPayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// ErrorPayload is the payload of error events.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const (
	DefaultQueryLimit = 500
	MaxQueryLimit     = 5000
)

// QueryOptions filters and pages a mission's history.
type QueryOptions struct {
	Types []Type
	Limit int
	// Offset is applied after type filtering.
	Offset int
	// AfterSequence skips events with sequence <= AfterSequence.
	AfterSequence int64
}
