package dwarf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Disk file names inside an instance directory.
const (
	DiskRoot      = "disk"
	DiskEphemeral = "disk.local"
	DiskConfig    = "disk.config"
)

// provisionDisks gives the server copy-on-write overlays of the shared base
// boot image and the shared base ephemeral disk.
func (s *ServerService) provisionDisks(ctx context.Context, server Server, image Image, flavor Flavor) error {
	dir := s.instanceDir(server.ID)

	base, err := s.ensureBaseImage(ctx, image, flavor.Disk)
	if err != nil {
		return err
	}
	if err := s.createOverlay(ctx, base, filepath.Join(dir, DiskRoot)); err != nil {
		return err
	}

	ephemeral, err := s.ensureBaseEphemeral(ctx, s.opts.EphemeralSize)
	if err != nil {
		return err
	}
	return s.createOverlay(ctx, ephemeral, filepath.Join(dir, DiskEphemeral))
}

// ensureBaseImage returns the raw base image for image resized to size GiB,
// creating it on first use.
func (s *ServerService) ensureBaseImage(ctx context.Context, image Image, size int) (string, error) {
	path := filepath.Join(s.opts.BaseImagesDir, fmt.Sprintf("%s_%d", image.ID, size))

	s.baseMu.Lock()
	defer s.baseMu.Unlock()

	if exists, err := fileExists(path); err != nil || exists {
		return path, err
	}

	src, err := s.images.LocalPath(ctx, image.ID, image.File)
	if err != nil {
		return "", fmt.Errorf("fetching image %s: %w", image.ID, err)
	}

	s.logger.Info("creating base image", "image", image.ID, "size", size, "path", path)
	return path, s.buildBase(ctx, path,
		[]string{"qemu-img", "convert", "-O", "raw", src, path},
		[]string{"qemu-img", "resize", path, sizeGiB(size)},
	)
}

// ensureBaseEphemeral returns the ext3 formatted base ephemeral disk of the
// given size, creating it on first use.
func (s *ServerService) ensureBaseEphemeral(ctx context.Context, size int) (string, error) {
	path := filepath.Join(s.opts.BaseImagesDir, fmt.Sprintf("ephemeral_%d", size))

	s.baseMu.Lock()
	defer s.baseMu.Unlock()

	if exists, err := fileExists(path); err != nil || exists {
		return path, err
	}

	s.logger.Info("creating base ephemeral disk", "size", size, "path", path)
	return path, s.buildBase(ctx, path,
		[]string{"qemu-img", "create", "-f", "raw", path, sizeGiB(size)},
		[]string{"mkfs.ext3", "-F", "-L", "ephemeral0", path},
	)
}

// buildBase runs the given commands to produce a base file at path. A
// partially written file is removed when any command fails.
func (s *ServerService) buildBase(ctx context.Context, path string, cmds ...[]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating base images directory: %w", err)
	}
	for _, cmd := range cmds {
		if _, err := s.runner.Run(ctx, false, cmd[0], cmd[1:]...); err != nil {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				s.logger.Warn("failed to remove partial base file", "path", path, "error", rmErr)
			}
			return err
		}
	}
	return nil
}

func (s *ServerService) createOverlay(ctx context.Context, base, path string) error {
	_, err := s.runner.Run(ctx, false, "qemu-img", "create", "-f", "qcow2",
		"-o", "cluster_size=2M,backing_file="+base+",backing_fmt=raw", path)
	return err
}

func sizeGiB(n int) string { return strconv.Itoa(n) + "G" }

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking %s: %w", path, err)
}
