package workspace

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Command is a process to run inside a workspace sandbox.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes sandbox commands. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands as child processes in their own process group.
type ExecRunner struct{}

const outputTail = 2 << 10

// Run starts cmd and waits for it. A non-zero exit is reported through
// Result.ExitCode with a nil error; err is set when the process could not run.
func (ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	// never inherit the control plane's environment
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: tail(stdout.String()), Stderr: tail(stderr.String())}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= outputTail {
		return s
	}
	return "..." + s[len(s)-outputTail:]
}

// bwrapOptions describes one sandboxed command.
type bwrapOptions struct {
	Root         string
	ShareNetwork bool
	Env          map[string]string
	Command      string
}

// buildBwrapArgs returns the bubblewrap arguments that run opts.Command via
// /bin/sh inside root with every namespace unshared.
func buildBwrapArgs(opts bwrapOptions) ([]string, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("sandbox root is required")
	}
	if strings.TrimSpace(opts.Command) == "" {
		return nil, fmt.Errorf("sandbox command is required")
	}

	args := []string{"--unshare-all"}
	if opts.ShareNetwork {
		args = append(args, "--share-net")
	}
	args = append(args,
		"--die-with-parent",
		"--new-session",
		"--bind", opts.Root, "/",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	)
	if opts.ShareNetwork {
		// resolver config from the host so package managers can fetch
		args = append(args, "--ro-bind-try", "/etc/resolv.conf", "/etc/resolv.conf")
	}
	args = append(args, "--chdir", "/workspace", "--clearenv")

	env := map[string]string{
		"PATH": "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME": "/workspace",
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	for _, k := range slices.Sorted(maps.Keys(env)) {
		args = append(args, "--setenv", k, env[k])
	}

	args = append(args, "--", "/bin/sh", "-c", opts.Command)
	return args, nil
}

var bwrapLocations = []string{
	"/usr/bin/bwrap",
	"/usr/local/bin/bwrap",
	"/bin/bwrap",
}

// resolveBwrap finds the bubblewrap binary, preferring the configured path.
func resolveBwrap(configured string) (string, error) {
	if configured != "" {
		info, err := os.Stat(configured)
		if err != nil {
			return "", fmt.Errorf("bubblewrap not found at %s", configured)
		}
		if info.Mode()&0o111 == 0 {
			return "", fmt.Errorf("%s is not executable", configured)
		}
		return configured, nil
	}
	for _, p := range bwrapLocations {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if p, err := exec.LookPath("bwrap"); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("bubblewrap (bwrap) is not installed; container workspaces need it")
}
