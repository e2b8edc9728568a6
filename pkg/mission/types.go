package mission

import (
	"encoding/json"
	"time"
)

// Status is the mission lifecycle state.
type Status string

const (
	StatusCreated             Status = "created"
	StatusWaitingForWorkspace Status = "waiting_for_workspace"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusWaitingForWorkspace, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusCreated:             {StatusWaitingForWorkspace, StatusFailed, StatusCancelled},
	StatusWaitingForWorkspace: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:             {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the mission state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Mission is the persisted mission record.
type Mission struct {
	ID              string          `json:"id"`
	WorkspaceID     string          `json:"workspace_id"`
	AgentConfig     json.RawMessage `json:"agent_config"`
	Status          Status          `json:"status"`
	SessionID       string          `json:"session_id,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
}

// CreateRequest starts a mission.
type CreateRequest struct {
	WorkspaceID string          `json:"workspace_id"`
	AgentConfig json.RawMessage `json:"agent_config"`
}

// ListOptions filters List.
type ListOptions struct {
	Status      Status
	WorkspaceID string
	Limit       int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Failure kinds recorded on missions beyond the error taxonomy codes.
const (
	KindDelegateFailed = "DELEGATE_FAILED"
)
