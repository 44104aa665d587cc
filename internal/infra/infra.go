// Package infra provides shared infrastructure components used across
// the module: caching, rate limiting, and filesystem helpers.
package infra

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// EnsureDir creates dir and its parents. It is safe to call concurrently
// for the same directory.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// WriteFileAtomic streams r into a temp file next to dst and renames it into
// place, so readers never observe a partially written file. It returns the
// number of bytes written.
func WriteFileAtomic(dst string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dst)
	if err := EnsureDir(dir); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file for %s: %w", dst, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return n, fmt.Errorf("rename %s: %w", dst, err)
	}
	return n, nil
}

// MoveFile renames src to dst, creating dst's directory. When a rename is
// not possible (for example across filesystems) it falls back to copy and
// remove.
func MoveFile(src, dst string) error {
	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	_, err = WriteFileAtomic(dst, in)
	in.Close()
	if err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove %s: %w", src, err)
	}
	return nil
}
