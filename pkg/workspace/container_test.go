package workspace

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/missionctl/pkg/config"
)

type tarEntry struct {
	name     string
	typ      byte
	body     string
	linkname string
}

func writeTar(t *testing.T, w io.Writer, entries []tarEntry) {
	t.Helper()
	tw := tar.NewWriter(w)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: e.typ, Mode: 0o644, Linkname: e.linkname}
		switch e.typ {
		case tar.TypeDir:
			hdr.Mode = 0o755
		case tar.TypeReg:
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typ == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
}

func baseEntries() []tarEntry {
	return []tarEntry{
		{name: "etc/", typ: tar.TypeDir},
		{name: "etc/os-release", typ: tar.TypeReg, body: "ID=alpine\n"},
		{name: "bin/", typ: tar.TypeDir},
		{name: "bin/busybox", typ: tar.TypeReg, body: "#!"},
		{name: "bin/sh", typ: tar.TypeSymlink, linkname: "/bin/busybox"},
		{name: "bin/ash", typ: tar.TypeLink, linkname: "bin/busybox"},
	}
}

// buildImage writes a base image tarball compressed with format.
func buildImage(t *testing.T, format string, entries []tarEntry) string {
	t.Helper()
	var raw bytes.Buffer
	writeTar(t, &raw, entries)

	var out bytes.Buffer
	switch format {
	case "tar":
		out.Write(raw.Bytes())
	case "gz":
		zw := gzip.NewWriter(&out)
		_, err := zw.Write(raw.Bytes())
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	case "zst":
		zw, err := zstd.NewWriter(&out)
		require.NoError(t, err)
		_, err = zw.Write(raw.Bytes())
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	case "lz4":
		zw := lz4.NewWriter(&out)
		_, err := zw.Write(raw.Bytes())
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	default:
		t.Fatalf("unknown format %s", format)
	}

	path := filepath.Join(t.TempDir(), "base.tar."+format)
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
	return path
}

func TestExtractImageFormats(t *testing.T) {
	for _, format := range []string{"tar", "gz", "zst", "lz4"} {
		t.Run(format, func(t *testing.T) {
			image := buildImage(t, format, baseEntries())
			root := filepath.Join(t.TempDir(), "rootfs")

			require.NoError(t, extractImage(context.Background(), image, root))

			data, err := os.ReadFile(filepath.Join(root, "etc", "os-release"))
			require.NoError(t, err)
			assert.Equal(t, "ID=alpine\n", string(data))

			link, err := os.Readlink(filepath.Join(root, "bin", "sh"))
			require.NoError(t, err)
			assert.Equal(t, "/bin/busybox", link)

			_, err = os.Stat(filepath.Join(root, "bin", "ash"))
			require.NoError(t, err)

			for _, dir := range rootDirs {
				info, err := os.Stat(filepath.Join(root, dir))
				require.NoError(t, err, dir)
				assert.True(t, info.IsDir())
			}
		})
	}
}

func TestExtractImageRejectsEscapes(t *testing.T) {
	tests := []struct {
		name    string
		entries []tarEntry
	}{
		{"dot-dot", []tarEntry{{name: "../escape", typ: tar.TypeReg, body: "x"}}},
		{"nested dot-dot", []tarEntry{{name: "etc/../../escape", typ: tar.TypeReg, body: "x"}}},
		{"through symlink", []tarEntry{
			{name: "host", typ: tar.TypeSymlink, linkname: "/tmp"},
			{name: "host/escape", typ: tar.TypeReg, body: "x"},
		}},
		{"hardlink outside", []tarEntry{{name: "passwd", typ: tar.TypeLink, linkname: "../../etc/passwd"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image := buildImage(t, "tar", tt.entries)
			root := filepath.Join(t.TempDir(), "rootfs")
			err := extractImage(context.Background(), image, root)
			require.Error(t, err)
			_, statErr := os.Stat(filepath.Join(filepath.Dir(root), "escape"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestVerifyDigest(t *testing.T) {
	image := buildImage(t, "gz", baseEntries())
	digest, err := imageDigest(image)
	require.NoError(t, err)
	assert.Len(t, digest, 64)

	assert.NoError(t, verifyDigest(image, ""))
	assert.NoError(t, verifyDigest(image, digest))
	assert.NoError(t, verifyDigest(image, "blake3:"+strings.ToUpper(digest)))

	err = verifyDigest(image, "blake3:"+strings.Repeat("0", 64))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}

type recordingRunner struct {
	mu    sync.Mutex
	calls []Command
	fail  func(Command) Result
}

func (r *recordingRunner) Run(_ context.Context, cmd Command) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
	if r.fail != nil {
		return r.fail(cmd), nil
	}
	return Result{}, nil
}

func (r *recordingRunner) scripts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Args[len(c.Args)-1]
	}
	return out
}

func fakeBwrap(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bwrap")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func containerConfig(t *testing.T, image string) config.WorkspacesConfig {
	return config.WorkspacesConfig{
		Root:         filepath.Join(t.TempDir(), "workspaces"),
		MinFreeBytes: 1,
		Container: config.ContainerConfig{
			BwrapPath: fakeBwrap(t),
			BaseImage: image,
		},
	}
}

func TestContainerProvisionSteps(t *testing.T) {
	image := buildImage(t, "zst", baseEntries())
	cfg := containerConfig(t, image)
	runner := &recordingRunner{}
	p := NewContainerProvisioner(cfg, runner, nil)

	ws := &Workspace{ID: "01TESTWS", Type: TypeContainer, Config: Config{
		Packages: []string{"git", "ripgrep"},
		MCPServers: []MCPServer{
			{Name: "fs", Command: "mcp-fs", Args: []string{"/workspace"}, Install: "npm install -g mcp-fs"},
			{Name: "noop", Command: "true"},
		},
	}}

	var steps []string
	path, err := p.Provision(context.Background(), ws, func(step string) { steps = append(steps, step) })
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(cfg.Root, ws.ID, "rootfs"), path)
	assert.Equal(t, []string{StepReset, StepRootfs, StepPackages, StepMCP, StepDone}, steps)
	assert.Equal(t, []string{
		"apk add --no-cache git",
		"apk add --no-cache ripgrep",
		"npm install -g mcp-fs",
	}, runner.scripts())

	first := runner.calls[0]
	assert.Equal(t, cfg.Container.BwrapPath, first.Path)
	assert.Contains(t, strings.Join(first.Args, " "), "--bind "+path+" /")
	assert.NotContains(t, first.Args, "--share-net")

	raw, err := os.ReadFile(filepath.Join(path, "workspace", ".mcp.json"))
	require.NoError(t, err)
	var doc struct {
		MCPServers map[string]mcpServerEntry `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "mcp-fs", doc.MCPServers["fs"].Command)
	assert.Equal(t, []string{"/workspace"}, doc.MCPServers["fs"].Args)
	assert.Contains(t, doc.MCPServers, "noop")

	require.NoError(t, p.Teardown(context.Background(), ws))
	_, err = os.Stat(filepath.Join(cfg.Root, ws.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestContainerProvisionRetryResets(t *testing.T) {
	image := buildImage(t, "tar", baseEntries())
	cfg := containerConfig(t, image)
	p := NewContainerProvisioner(cfg, &recordingRunner{}, nil)
	ws := &Workspace{ID: "01RETRY", Type: TypeContainer}

	leftover := filepath.Join(cfg.Root, ws.ID, "rootfs", "half-written")
	require.NoError(t, os.MkdirAll(filepath.Dir(leftover), 0o755))
	require.NoError(t, os.WriteFile(leftover, []byte("x"), 0o644))

	_, err := p.Provision(context.Background(), ws, func(string) {})
	require.NoError(t, err)
	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err), "previous partial root is removed")
}

func TestContainerProvisionFailures(t *testing.T) {
	image := buildImage(t, "gz", baseEntries())

	t.Run("package install fails", func(t *testing.T) {
		cfg := containerConfig(t, image)
		runner := &recordingRunner{fail: func(Command) Result {
			return Result{ExitCode: 1, Stderr: "ERROR: unable to select packages: nope"}
		}}
		p := NewContainerProvisioner(cfg, runner, nil)
		ws := &Workspace{ID: "01PKG", Type: TypeContainer, Config: Config{Packages: []string{"nope"}}}

		_, err := p.Provision(context.Background(), ws, func(string) {})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "install package nope")
		assert.Contains(t, err.Error(), "status 1")
		assert.Contains(t, err.Error(), "unable to select packages")
		_, statErr := os.Stat(filepath.Join(cfg.Root, ws.ID))
		assert.True(t, os.IsNotExist(statErr), "partial root removed")
	})

	t.Run("no base image", func(t *testing.T) {
		cfg := containerConfig(t, "")
		p := NewContainerProvisioner(cfg, &recordingRunner{}, nil)
		_, err := p.Provision(context.Background(), &Workspace{ID: "01NOIMG", Type: TypeContainer}, func(string) {})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no base image")
	})

	t.Run("digest mismatch", func(t *testing.T) {
		cfg := containerConfig(t, image)
		cfg.Container.BaseImageDigest = strings.Repeat("a", 64)
		p := NewContainerProvisioner(cfg, &recordingRunner{}, nil)
		_, err := p.Provision(context.Background(), &Workspace{ID: "01DIGEST", Type: TypeContainer}, func(string) {})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "digest mismatch")
	})

	t.Run("disk space", func(t *testing.T) {
		cfg := containerConfig(t, image)
		cfg.MinFreeBytes = 1 << 62
		p := NewContainerProvisioner(cfg, &recordingRunner{}, nil)
		_, err := p.Provision(context.Background(), &Workspace{ID: "01DISK", Type: TypeContainer}, func(string) {})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insufficient disk space")
	})

	t.Run("missing bwrap", func(t *testing.T) {
		cfg := containerConfig(t, image)
		cfg.Container.BwrapPath = filepath.Join(t.TempDir(), "nope")
		p := NewContainerProvisioner(cfg, &recordingRunner{}, nil)
		ws := &Workspace{ID: "01BWRAP", Type: TypeContainer, Config: Config{Packages: []string{"git"}}}
		_, err := p.Provision(context.Background(), ws, func(string) {})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bubblewrap")
	})

	t.Run("cancelled", func(t *testing.T) {
		cfg := containerConfig(t, image)
		p := NewContainerProvisioner(cfg, &recordingRunner{}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.Provision(ctx, &Workspace{ID: "01CANCEL", Type: TypeContainer}, func(string) {})
		assert.ErrorIs(t, err, context.Canceled)
		_, statErr := os.Stat(filepath.Join(cfg.Root, "01CANCEL"))
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestBuildBwrapArgs(t *testing.T) {
	args, err := buildBwrapArgs(bwrapOptions{
		Root:         "/srv/ws/rootfs",
		ShareNetwork: true,
		Env:          map[string]string{"ZED": "1", "ALPHA": "2"},
		Command:      "apk add git",
	})
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.True(t, strings.HasPrefix(joined, "--unshare-all --share-net --die-with-parent"))
	assert.Contains(t, joined, "--bind /srv/ws/rootfs /")
	assert.Contains(t, joined, "--clearenv")
	assert.Less(t, strings.Index(joined, "ALPHA"), strings.Index(joined, "ZED"))
	assert.Equal(t, []string{"--", "/bin/sh", "-c", "apk add git"}, args[len(args)-4:])

	args, err = buildBwrapArgs(bwrapOptions{Root: "/r", Command: "true"})
	require.NoError(t, err)
	assert.NotContains(t, args, "--share-net")

	_, err = buildBwrapArgs(bwrapOptions{Command: "true"})
	assert.Error(t, err)
	_, err = buildBwrapArgs(bwrapOptions{Root: "/r"})
	assert.Error(t, err)
}

func TestResolveBwrap(t *testing.T) {
	exe := fakeBwrap(t)
	got, err := resolveBwrap(exe)
	require.NoError(t, err)
	assert.Equal(t, exe, got)

	plain := filepath.Join(t.TempDir(), "bwrap")
	require.NoError(t, os.WriteFile(plain, nil, 0o644))
	_, err = resolveBwrap(plain)
	assert.Error(t, err)
}

func TestHostProvisioner(t *testing.T) {
	dir := t.TempDir()
	var steps []string
	path, err := HostProvisioner{}.Provision(context.Background(), &Workspace{Config: Config{HostPath: dir}}, func(s string) { steps = append(steps, s) })
	require.NoError(t, err)
	assert.Equal(t, dir, path)
	assert.Equal(t, []string{StepDone}, steps)

	_, err = HostProvisioner{}.Provision(context.Background(), &Workspace{Config: Config{HostPath: "relative"}}, func(string) {})
	assert.Error(t, err)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = HostProvisioner{}.Provision(context.Background(), &Workspace{Config: Config{HostPath: file}}, func(string) {})
	assert.Error(t, err)

	require.NoError(t, HostProvisioner{}.Teardown(context.Background(), &Workspace{Config: Config{HostPath: dir}}))
	_, err = os.Stat(dir)
	assert.NoError(t, err, "host teardown leaves files alone")
}
