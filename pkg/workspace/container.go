package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/missionctl/pkg/config"
	"github.com/odvcencio/missionctl/pkg/logging"
)

const packagePlaceholder = "{{package}}"

// ContainerProvisioner builds namespace-isolated root filesystems under a
// common root directory, one subdirectory per workspace.
type ContainerProvisioner struct {
	cfg    config.WorkspacesConfig
	runner Runner
	logger *slog.Logger
}

// NewContainerProvisioner creates a provisioner. A nil runner executes
// commands on the host through bubblewrap.
func NewContainerProvisioner(cfg config.WorkspacesConfig, runner Runner, logger *slog.Logger) *ContainerProvisioner {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.Container.PackageInstallCmd == "" {
		cfg.Container.PackageInstallCmd = config.DefaultPackageInstallCmd
	}
	return &ContainerProvisioner{cfg: cfg, runner: runner, logger: logging.Component(logger, "container")}
}

func (p *ContainerProvisioner) workspaceDir(ws *Workspace) string {
	return filepath.Join(p.cfg.Root, ws.ID)
}

// Provision runs the reset, rootfs, packages and mcp steps in order. Any
// failure removes the workspace directory again.
func (p *ContainerProvisioner) Provision(ctx context.Context, ws *Workspace, report Reporter) (path string, err error) {
	dir := p.workspaceDir(ws)
	rootfs := filepath.Join(dir, "rootfs")
	logger := logging.WithWorkspace(p.logger, ws.ID)

	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				logger.Warn("remove partial workspace root", slog.String("error", rmErr.Error()))
			}
		}
	}()

	// reset
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("reset workspace root: %w", err)
	}
	if err := os.MkdirAll(p.cfg.Root, 0o755); err != nil {
		return "", fmt.Errorf("create workspaces root: %w", err)
	}
	if err := checkFreeSpace(p.cfg.Root, p.cfg.MinFreeBytes); err != nil {
		return "", err
	}
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}
	report(StepReset)

	// rootfs
	image, digest := ws.Config.BaseImage, ws.Config.BaseImageDigest
	if image == "" {
		image, digest = p.cfg.Container.BaseImage, p.cfg.Container.BaseImageDigest
	}
	if image == "" {
		return "", fmt.Errorf("no base image configured (set workspaces.container.base_image or config.base_image)")
	}
	if err := verifyDigest(image, digest); err != nil {
		return "", err
	}
	if err := extractImage(ctx, image, rootfs); err != nil {
		return "", fmt.Errorf("populate root filesystem from %s: %w", filepath.Base(image), err)
	}
	report(StepRootfs)
	logger.Info("root filesystem ready", slog.String("image", image))

	// packages
	for _, pkg := range ws.Config.Packages {
		cmd := strings.ReplaceAll(p.cfg.Container.PackageInstallCmd, packagePlaceholder, pkg)
		if err := p.runInSandbox(ctx, rootfs, cmd, nil); err != nil {
			return "", fmt.Errorf("install package %s: %w", pkg, err)
		}
		logger.Info("package installed", slog.String("package", pkg))
	}
	report(StepPackages)

	// mcp
	if len(ws.Config.MCPServers) > 0 {
		if err := writeMCPConfig(rootfs, ws.Config.MCPServers); err != nil {
			return "", err
		}
		for _, srv := range ws.Config.MCPServers {
			if srv.Install == "" {
				continue
			}
			if err := p.runInSandbox(ctx, rootfs, srv.Install, srv.Env); err != nil {
				return "", fmt.Errorf("install mcp server %s: %w", srv.Name, err)
			}
		}
	}
	report(StepMCP)

	if err := ctx.Err(); err != nil {
		return "", err
	}
	report(StepDone)
	return rootfs, nil
}

func (p *ContainerProvisioner) runInSandbox(ctx context.Context, rootfs, command string, env map[string]string) error {
	bwrap, err := resolveBwrap(p.cfg.Container.BwrapPath)
	if err != nil {
		return err
	}
	args, err := buildBwrapArgs(bwrapOptions{
		Root:         rootfs,
		ShareNetwork: p.cfg.Container.ShareNetwork,
		Env:          env,
		Command:      command,
	})
	if err != nil {
		return err
	}
	res, err := p.runner.Run(ctx, Command{Path: bwrap, Args: args})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		msg := res.Stderr
		if msg == "" {
			msg = res.Stdout
		}
		if msg == "" {
			return fmt.Errorf("%q exited with status %d", command, res.ExitCode)
		}
		return fmt.Errorf("%q exited with status %d: %s", command, res.ExitCode, msg)
	}
	return nil
}

type mcpServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func writeMCPConfig(rootfs string, servers []MCPServer) error {
	doc := struct {
		MCPServers map[string]mcpServerEntry `json:"mcpServers"`
	}{MCPServers: make(map[string]mcpServerEntry, len(servers))}
	for _, srv := range servers {
		doc.MCPServers[srv.Name] = mcpServerEntry{Command: srv.Command, Args: srv.Args, Env: srv.Env}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(rootfs, "workspace", ".mcp.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write mcp config: %w", err)
	}
	return nil
}

// Teardown removes the workspace directory.
func (p *ContainerProvisioner) Teardown(_ context.Context, ws *Workspace) error {
	dir := p.workspaceDir(ws)
	if rel, err := filepath.Rel(p.cfg.Root, dir); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove %s outside %s", dir, p.cfg.Root)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove workspace root: %w", err)
	}
	return nil
}
