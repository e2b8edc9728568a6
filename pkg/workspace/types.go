// Package workspace provisions and tracks the execution environments
// missions run in: host directories and bubblewrap-isolated container roots.
package workspace

import (
	"encoding/json"
	"fmt"
	"time"

	merrors "github.com/odvcencio/missionctl/pkg/errors"
)

// Type is the kind of workspace.
type Type string

const (
	TypeHost      Type = "host"
	TypeContainer Type = "container"
)

// Valid reports whether t is a known workspace type.
func (t Type) Valid() bool {
	return t == TypeHost || t == TypeContainer
}

// Status is the provisioning lifecycle state of a workspace.
type Status string

const (
	StatusPending    Status = "pending"
	StatusBuilding   Status = "building"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
	StatusDestroying Status = "destroying"
	StatusDestroyed  Status = "destroyed"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusBuilding, StatusError, StatusDestroying},
	StatusBuilding:   {StatusReady, StatusError},
	StatusReady:      {StatusDestroying},
	StatusError:      {StatusBuilding, StatusDestroying},
	StatusDestroying: {StatusDestroyed},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Gone reports whether the workspace is being or has been torn down.
func (s Status) Gone() bool {
	return s == StatusDestroying || s == StatusDestroyed
}

// Provisioning checkpoints for container workspaces.
const (
	StepReset    = "reset"
	StepRootfs   = "rootfs"
	StepPackages = "packages"
	StepMCP      = "mcp"
	StepDone     = "done"
)

// MCPServer is an MCP server definition installed into a container workspace.
type MCPServer struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// Install runs once inside the sandbox during provisioning.
	Install string `json:"install,omitempty" yaml:"install,omitempty"`
}

// Config is the type-specific workspace configuration.
type Config struct {
	// HostPath is the directory a host workspace exposes.
	HostPath string `json:"host_path,omitempty"`
	// BaseImage overrides the configured container base image.
	BaseImage       string      `json:"base_image,omitempty"`
	BaseImageDigest string      `json:"base_image_digest,omitempty"`
	Packages        []string    `json:"packages,omitempty"`
	MCPServers      []MCPServer `json:"mcp_servers,omitempty"`
}

// Workspace is the persisted workspace record.
type Workspace struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         Type      `json:"type"`
	Status       Status    `json:"status"`
	Path         string    `json:"path"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Config       Config    `json:"config"`
	Checkpoint   string    `json:"checkpoint,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateRequest describes a new workspace.
type CreateRequest struct {
	Name   string          `json:"name"`
	Type   Type            `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

const maxNameLength = 64

// ValidateName checks a workspace name: 1-64 characters from [A-Za-z0-9._-],
// starting with a letter or digit.
func ValidateName(name string) error {
	if name == "" {
		return merrors.New(merrors.ErrCodeInvalidInput, "workspace name is required")
	}
	if len(name) > maxNameLength {
		return merrors.Newf(merrors.ErrCodeInvalidInput, "workspace name exceeds %d characters", maxNameLength)
	}
	for i, r := range name {
		alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if i == 0 && !alnum {
			return merrors.New(merrors.ErrCodeInvalidInput, "workspace name must start with a letter or digit")
		}
		if !alnum && r != '.' && r != '_' && r != '-' {
			return merrors.Newf(merrors.ErrCodeInvalidInput, "workspace name contains invalid character %q", r)
		}
	}
	return nil
}

// decodeConfig parses the request config for typ.
func decodeConfig(typ Type, raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid workspace config")
		}
	}
	switch typ {
	case TypeHost:
		if cfg.HostPath == "" {
			return Config{}, merrors.New(merrors.ErrCodeInvalidInput, "host workspace requires config.host_path")
		}
	case TypeContainer:
		for _, pkg := range cfg.Packages {
			if err := validatePackageName(pkg); err != nil {
				return Config{}, err
			}
		}
		seen := make(map[string]bool, len(cfg.MCPServers))
		for _, srv := range cfg.MCPServers {
			if srv.Name == "" || srv.Command == "" {
				return Config{}, merrors.New(merrors.ErrCodeInvalidInput, "mcp server requires name and command")
			}
			if seen[srv.Name] {
				return Config{}, merrors.Newf(merrors.ErrCodeInvalidInput, "duplicate mcp server %q", srv.Name)
			}
			seen[srv.Name] = true
		}
	}
	return cfg, nil
}

// package names are spliced into a shell command
func validatePackageName(name string) error {
	if name == "" {
		return merrors.New(merrors.ErrCodeInvalidInput, "empty package name")
	}
	for _, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-' || r == '+' || r == '=' || r == '@' || r == ':' || r == '/'
		if !ok {
			return merrors.New(merrors.ErrCodeInvalidInput, fmt.Sprintf("invalid package name %q", name))
		}
	}
	return nil
}
