package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Reporter records a completed provisioning step.
type Reporter func(step string)

// Provisioner builds and tears down one type of workspace.
type Provisioner interface {
	// Provision builds ws and returns its filesystem path. It is called
	// with a fresh ctx per attempt and must leave no partial state behind
	// when it fails or ctx is cancelled.
	Provision(ctx context.Context, ws *Workspace, report Reporter) (string, error)
	// Teardown releases whatever Provision created.
	Teardown(ctx context.Context, ws *Workspace) error
}

// HostProvisioner exposes an existing host directory. It never modifies the
// directory, including on teardown.
type HostProvisioner struct{}

func (HostProvisioner) Provision(ctx context.Context, ws *Workspace, report Reporter) (string, error) {
	path := ws.Config.HostPath
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("host path %q must be absolute", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("host path %s: %w", path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("host path %s is not a directory", path)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	report(StepDone)
	return filepath.Clean(path), nil
}

func (HostProvisioner) Teardown(context.Context, *Workspace) error { return nil }
