package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"dwarf-go/internal/dwarf"
)

// FilesystemStore keeps image payloads as files in one directory:
//
//	<root>/
//	  <image id>    (raw payload as uploaded)
//
// The location of a payload is its absolute path.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a store rooted at root, creating the directory
// if needed.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving image directory: %w", err)
	}
	return &FilesystemStore{root: abs}, nil
}

func (s *FilesystemStore) Root() string { return s.root }

// Put writes the payload for id. A previous payload for the same id is
// replaced only once the new one is complete.
func (s *FilesystemStore) Put(ctx context.Context, id string, r io.Reader) (string, error) {
	dest := filepath.Join(s.root, id)
	if err := writeFile(dest, &ctxReader{ctx: ctx, r: r}); err != nil {
		return "", err
	}
	return dest, nil
}

func (s *FilesystemStore) LocalPath(ctx context.Context, id, location string) (string, error) {
	if location == "" {
		location = filepath.Join(s.root, id)
	}
	if _, err := os.Stat(location); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", dwarf.NotFound("image data %s not found", id)
		}
		return "", fmt.Errorf("checking image data: %w", err)
	}
	return location, nil
}

// Delete removes the payload. A payload that is already gone is not an
// error.
func (s *FilesystemStore) Delete(ctx context.Context, id, location string) error {
	if location == "" {
		location = filepath.Join(s.root, id)
	}
	if err := os.Remove(location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove image data: %w", err)
	}
	return nil
}

// writeFile copies r to destPath through a temp file in the same directory
// and renames it into place.
func writeFile(destPath string, r io.Reader) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ dwarf.ImageStore = (*FilesystemStore)(nil)
