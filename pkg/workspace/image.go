package workspace

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// standard directories every container root gets
var rootDirs = []string{"workspace", "tmp", "proc", "dev", "etc"}

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// imageDigest returns the hex BLAKE3 digest of the file at path.
func imageDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyDigest compares want ("blake3:<hex>" or bare hex) against the image.
func verifyDigest(path, want string) error {
	want = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(want, "blake3:")))
	if want == "" {
		return nil
	}
	got, err := imageDigest(path)
	if err != nil {
		return fmt.Errorf("hash base image: %w", err)
	}
	if got != want {
		return fmt.Errorf("base image digest mismatch: want blake3:%s, got blake3:%s", want, got)
	}
	return nil
}

// decompressor sniffs the stream's magic bytes and wraps it accordingly.
func decompressor(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	switch {
	case bytes.HasPrefix(head, magicGzip):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case bytes.HasPrefix(head, magicZstd):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return zr, zr.Close, nil
	case bytes.HasPrefix(head, magicLZ4):
		return lz4.NewReader(br), func() {}, nil
	default:
		return br, func() {}, nil
	}
}

// extractImage unpacks the tarball at path into root. Entries that would
// land outside root, directly or through a symlink, are rejected.
func extractImage(ctx context.Context, path, root string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open base image: %w", err)
	}
	defer f.Close()

	r, closeFn, err := decompressor(f)
	if err != nil {
		return fmt.Errorf("read base image: %w", err)
	}
	defer closeFn()

	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read base image: %w", err)
		}
		if err := extractEntry(tr, hdr, root); err != nil {
			return err
		}
	}

	for _, dir := range rootDirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, root string) error {
	target, err := safeJoin(root, hdr.Name)
	if err != nil {
		return err
	}
	if target == root {
		return nil
	}
	if err := checkParents(root, target); err != nil {
		return err
	}
	mode := os.FileMode(hdr.Mode).Perm()

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, mode|0o700)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		return out.Close()
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		src, err := safeJoin(root, hdr.Linkname)
		if err != nil {
			return err
		}
		if err := checkParents(root, src); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Link(src, target)
	default:
		// device nodes and fifos are provided by the sandbox at run time
		return nil
	}
}

// safeJoin resolves name under root and rejects anything escaping it.
func safeJoin(root, name string) (string, error) {
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return "", fmt.Errorf("base image entry %q escapes the workspace root", name)
		}
	}
	return filepath.Join(root, filepath.Clean("/"+name)), nil
}

// checkParents rejects target when a directory between root and target is a
// symlink, which could redirect writes onto the host.
func checkParents(root, target string) error {
	rel, err := filepath.Rel(root, filepath.Dir(target))
	if err != nil || rel == "." {
		return nil
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("base image entry %s traverses symlink %s", strings.TrimPrefix(target, root), strings.TrimPrefix(cur, root))
		}
	}
	return nil
}
