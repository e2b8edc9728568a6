// Package bridge connects missions to the external delegate runtime over
// HTTP, consuming each session's event stream with resumption and backoff.
package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/odvcencio/missionctl/pkg/events"
)

// Control frame types. They end the stream and are never forwarded.
const (
	FrameCompleted = "session.completed"
	FrameFailed    = "session.failed"
	FrameCancelled = "session.cancelled"
	FrameHeartbeat = "heartbeat"
)

// ErrSessionClosed is returned by Next after Close.
var ErrSessionClosed = errors.New("bridge: session closed")

// WorkspaceRef identifies the workspace the delegate should operate in.
type WorkspaceRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Path string `json:"path"`
}

// SessionRequest is the body of a session creation call.
type SessionRequest struct {
	MissionID   string          `json:"mission_id"`
	Workspace   WorkspaceRef    `json:"workspace"`
	AgentConfig json.RawMessage `json:"agent_config"`
}

// Event is one conversational frame from the delegate runtime.
type Event struct {
	ID   int64
	Type events.Type
	Data json.RawMessage
}

// OutcomeStatus is how a session ended.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome is the terminal result of a session.
type Outcome struct {
	Status  OutcomeStatus
	Kind    string
	Message string
}

// Starter opens delegate sessions.
//
//go:generate mockgen -destination=mock_bridge.go -package=bridge . Starter,Stream
type Starter interface {
	StartSession(ctx context.Context, req SessionRequest) (Stream, error)
}

// Stream is a live delegate session.
type Stream interface {
	// ID returns the runtime's session id.
	ID() string
	// Next blocks for the next conversational event. It returns io.EOF once
	// the session ended; Outcome then reports how.
	Next(ctx context.Context) (Event, error)
	// Outcome is nil until Next has returned io.EOF.
	Outcome() *Outcome
	// Cancel asks the runtime to stop the session. Idempotent.
	Cancel(ctx context.Context) error
	// Close tears the stream down immediately. Idempotent.
	Close() error
}

// mission vocabulary accepted from the runtime
var forwardedTypes = map[string]events.Type{
	string(events.TypeUserMessage):      events.TypeUserMessage,
	string(events.TypeThinking):         events.TypeThinking,
	string(events.TypeToolCall):         events.TypeToolCall,
	string(events.TypeToolResult):       events.TypeToolResult,
	string(events.TypeAssistantMessage): events.TypeAssistantMessage,
	string(events.TypeError):            events.TypeError,
}
