package dwarf

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
)

// ImageService manages image metadata and payloads.
type ImageService struct {
	db     Database
	store  ImageStore
	logger Logger
}

func NewImageService(db Database, store ImageStore, logger Logger) *ImageService {
	return &ImageService{db: db, store: store, logger: logger.With("component", "images")}
}

func (s *ImageService) List(ctx context.Context) ([]Record, error) {
	return s.db.Images().List(ctx)
}

func (s *ImageService) Show(ctx context.Context, id string) (Record, error) {
	return s.db.Images().Show(ctx, ByID(id))
}

// Create stores image metadata only. The image stays queued until Upload.
func (s *ImageService) Create(ctx context.Context, meta Record) (Record, error) {
	s.logger.Info("create image", "meta", meta)

	fields := meta.Clone()
	fields["status"] = ImageQueued
	delete(fields, "file")
	delete(fields, "checksum")
	delete(fields, "size")
	if fields["visibility"] == "" {
		fields["visibility"] = "private"
	}
	return s.db.Images().Create(ctx, fields)
}

// Upload streams the payload into the image store while computing its MD5
// checksum, then marks the image active. A failed upload leaves the image in
// status error.
func (s *ImageService) Upload(ctx context.Context, id string, r io.Reader) (Record, error) {
	images := s.db.Images()

	row, err := images.Show(ctx, ByID(id))
	if err != nil {
		return nil, err
	}
	if st := row["status"]; st != ImageQueued && st != ImageError {
		return nil, Conflict("image %s has status %s, cannot upload data", id, st)
	}

	if _, err := images.Update(ctx, id, Record{"status": ImageSaving}); err != nil {
		return nil, err
	}

	h := md5.New()
	cr := &countingReader{r: io.TeeReader(r, h)}
	location, err := s.store.Put(ctx, id, cr)
	if err != nil {
		s.logger.Error("image upload failed", "id", id, "error", err)
		if _, uerr := images.Update(ctx, id, Record{"status": ImageError}); uerr != nil {
			s.logger.Warn("failed to mark image as error", "id", id, "error", uerr)
		}
		return nil, fmt.Errorf("storing image %s: %w", id, err)
	}

	checksum := hex.EncodeToString(h.Sum(nil))
	s.logger.Info("image uploaded", "id", id, "size", cr.n, "checksum", checksum)

	return images.Update(ctx, id, Record{
		"checksum": checksum,
		"size":     strconv.FormatInt(cr.n, 10),
		"file":     location,
		"status":   ImageActive,
	})
}

// CreateWithData is Create followed by Upload.
func (s *ImageService) CreateWithData(ctx context.Context, meta Record, r io.Reader) (Record, error) {
	row, err := s.Create(ctx, meta)
	if err != nil {
		return nil, err
	}
	return s.Upload(ctx, row[ColID], r)
}

// Update applies metadata changes. Payload bookkeeping columns are owned by
// Upload and cannot be changed here.
func (s *ImageService) Update(ctx context.Context, id string, fields Record) (Record, error) {
	s.logger.Info("update image", "id", id, "fields", fields)

	fields = fields.Clone()
	for _, col := range []string{"status", "file", "checksum", "size"} {
		delete(fields, col)
	}
	return s.db.Images().Update(ctx, id, fields)
}

// Delete tombstones the image and removes its payload. Protected images are
// refused. Payload removal failures are logged only.
func (s *ImageService) Delete(ctx context.Context, id string) error {
	s.logger.Info("delete image", "id", id)

	row, err := s.db.Images().Show(ctx, ByID(id))
	if err != nil {
		return err
	}
	if err := s.db.Images().Delete(ctx, ByID(id)); err != nil {
		return err
	}
	if row["file"] == "" {
		return nil
	}
	if err := s.store.Delete(ctx, id, row["file"]); err != nil {
		s.logger.Warn("failed to delete image data", "id", id, "file", row["file"], "error", err)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
