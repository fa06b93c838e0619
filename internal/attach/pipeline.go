// Package attach persists message attachments to a local directory
// and produces store file references for them, either through the
// store's two-phase upload protocol or as external URLs.
package attach

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/records"
)

// FileRef is a store-ready reference to a persisted attachment.
// Exactly one of UploadID and ExternalURL is set; when both are empty
// the attachment was persisted locally only and is not referenced in
// the record write.
type FileRef struct {
	Name        string
	UploadID    string
	ExternalURL string
}

// Uploader is the slice of the record-store client the pipeline needs
// for direct uploads.
type Uploader interface {
	CreateUploadSlot(ctx context.Context, filename string) (*records.UploadSlot, error)
	SendBytes(ctx context.Context, uploadURL string, data []byte, filename string) (string, error)
}

// Pipeline persists attachments and resolves their store references.
type Pipeline struct {
	dir           string
	publicBaseURL string
	uploadEnabled bool
	uploader      Uploader
	logger        *slog.Logger
}

// New creates a pipeline writing into dir. uploader may be nil when
// direct upload is disabled.
func New(
	dir, publicBaseURL string,
	uploadEnabled bool,
	uploader Uploader,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		dir:           dir,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		uploadEnabled: uploadEnabled && uploader != nil,
		uploader:      uploader,
		logger:        logger,
	}
}

// Process persists each attachment under a uid-prefixed sanitized name
// and returns the store references that could be resolved. A failure
// on one attachment skips that attachment only.
func (p *Pipeline) Process(
	ctx context.Context, uid string, attachments []model.Attachment,
) []FileRef {
	if len(attachments) == 0 {
		return nil
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		p.logger.Error("creating attachment directory",
			"dir", p.dir, "error", err)
		return nil
	}

	refs := make([]FileRef, 0, len(attachments))
	for _, att := range attachments {
		name := sanitizeFilename(att.Filename)
		if name == "" {
			name = "attachment"
		}
		name = uid + "-" + name

		if err := p.persist(name, att.Data); err != nil {
			p.logger.Warn("persisting attachment failed, skipping",
				"file", name, "error", err)
			continue
		}

		ref := FileRef{Name: name}

		if p.uploadEnabled {
			if uploadID, ok := p.upload(ctx, name, att.Data); ok {
				ref.UploadID = uploadID
				refs = append(refs, ref)
				continue
			}
		}

		if p.publicBaseURL != "" {
			ref.ExternalURL = p.publicBaseURL + "/" + name
			refs = append(refs, ref)
			continue
		}

		// Local-only: persisted but not referenced in the store.
		p.logger.Info("attachment persisted locally only", "file", name)
	}

	return refs
}

// persist writes data to a file under the pipeline directory. The
// handle is closed on every path; a close failure on a successful
// write still fails the persist.
func (p *Pipeline) persist(name string, data []byte) (err error) {
	path := filepath.Join(p.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", path, closeErr)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// upload runs the three-step direct upload: request a slot, send the
// bytes, verify the reported status. Any failure falls back to the
// external-URL path in the caller.
func (p *Pipeline) upload(
	ctx context.Context, name string, data []byte,
) (string, bool) {
	slot, err := p.uploader.CreateUploadSlot(ctx, name)
	if err != nil {
		p.logger.Warn("upload slot request failed",
			"file", name, "error", err)
		return "", false
	}

	status, err := p.uploader.SendBytes(ctx, slot.UploadURL, data, name)
	if err != nil {
		p.logger.Warn("upload transmit failed",
			"file", name, "error", err)
		return "", false
	}

	if status != "uploaded" {
		p.logger.Warn("upload not confirmed",
			"file", name, "status", status)
		return "", false
	}

	return slot.ID, true
}

// filenameUnsafe matches characters outside the safe attachment
// filename set, including path separators.
var filenameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// sanitizeFilename restricts a filename to a safe character set.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return filenameUnsafe.ReplaceAllString(name, "_")
}
