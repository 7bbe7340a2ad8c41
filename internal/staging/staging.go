// Package staging writes fetched streams to disk so that the destination
// only appears once the stream ended cleanly.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrFinished is returned when writing to a committed or aborted file.
var ErrFinished = errors.New("capture file already finished")

// File buffers a capture in path.tmp until Commit renames it into place.
type File struct {
	path    string
	tmpPath string
	f       *os.File
	written int64
	done    bool
}

// Create opens path.tmp for writing, creating parent directories.
func Create(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating directories: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &File{path: path, tmpPath: tmpPath, f: f}, nil
}

// Path returns the final destination.
func (c *File) Path() string {
	return c.path
}

// TempPath returns where bytes are written before Commit.
func (c *File) TempPath() string {
	return c.tmpPath
}

// Written returns the number of bytes written so far.
func (c *File) Written() int64 {
	return c.written
}

func (c *File) Write(p []byte) (int, error) {
	if c.done {
		return 0, ErrFinished
	}
	n, err := c.f.Write(p)
	c.written += int64(n)
	return n, err
}

// Commit flushes the temp file and atomically renames it to the
// destination. On failure the temp file is removed.
func (c *File) Commit() error {
	if c.done {
		return ErrFinished
	}
	c.done = true

	err := c.f.Sync()
	if closeErr := c.f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(c.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(c.tmpPath, c.path); err != nil {
		_ = os.Remove(c.tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Abort discards the temp file. It is a no-op after Commit.
func (c *File) Abort() error {
	if c.done {
		return nil
	}
	c.done = true
	_ = c.f.Close()
	if err := os.Remove(c.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing temp file: %w", err)
	}
	return nil
}

// Capture copies r into path, committing only when r ends without error.
func Capture(r io.Reader, path string) (int64, error) {
	f, err := Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if err != nil {
		_ = f.Abort()
		return n, fmt.Errorf("capturing stream: %w", err)
	}
	if err := f.Commit(); err != nil {
		return n, err
	}
	return n, nil
}
