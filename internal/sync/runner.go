// Package sync drives the mirror cycle: connect to the mail source,
// list and fetch each folder incrementally, decode and filter every
// message, write admitted messages to the record store, and commit
// dedup state after each successful write. Execution is strictly
// sequential; the only concurrency is the caller's cancellation
// context threaded through every blocking call.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/mailmirror/internal/archive"
	"github.com/nhle/mailmirror/internal/attach"
	"github.com/nhle/mailmirror/internal/decode"
	"github.com/nhle/mailmirror/internal/dedup"
	"github.com/nhle/mailmirror/internal/extract"
	"github.com/nhle/mailmirror/internal/filter"
	"github.com/nhle/mailmirror/internal/mailbox"
	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/records"
)

// MailSession is the live mail-source connection a cycle runs against.
type MailSession interface {
	ListIDsSince(ctx context.Context, folder string, since time.Time) []string
	FetchRaw(ctx context.Context, ids []string) map[string]mailbox.RawMessage
	Logout()
}

// Dialer opens an authenticated mail session.
type Dialer interface {
	Dial(ctx context.Context) (MailSession, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (MailSession, error)

func (f DialerFunc) Dial(ctx context.Context) (MailSession, error) {
	return f(ctx)
}

// RecordStore is the slice of the store client the runner writes
// through.
type RecordStore interface {
	CreateRecord(ctx context.Context, properties map[string]any) (*records.RecordRef, error)
	QueryRecords(ctx context.Context, filter map[string]any) ([]records.RecordRef, error)
	UpdateRecord(ctx context.Context, id string, properties map[string]any) error
}

// Attacher resolves a message's attachments into store file references.
type Attacher interface {
	Process(ctx context.Context, uid string, attachments []model.Attachment) []attach.FileRef
}

// Archiver logs successfully mirrored messages locally.
type Archiver interface {
	Record(ctx context.Context, e archive.Entry) error
}

// Runner owns the polling cycle and all mutable sync state: the
// per-folder cursors and the dedup store.
type Runner struct {
	cfg       *model.Config
	dialer    Dialer
	store     RecordStore
	admission filter.AdmissionFilter
	seen      *dedup.Store
	attacher  Attacher
	archiver  Archiver
	logger    *slog.Logger

	// cursors maps folder name to its "since" high-water mark. Lives
	// for the process lifetime only.
	cursors map[string]time.Time

	now func() time.Time
}

// New constructs a Runner. admission may be nil (everything is
// admitted) and archiver may be nil (no local archive).
func New(
	cfg *model.Config,
	dialer Dialer,
	store RecordStore,
	admission filter.AdmissionFilter,
	seen *dedup.Store,
	attacher Attacher,
	archiver Archiver,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		cfg:       cfg,
		dialer:    dialer,
		store:     store,
		admission: admission,
		seen:      seen,
		attacher:  attacher,
		archiver:  archiver,
		logger:    logger,
		cursors:   make(map[string]time.Time),
		now:       time.Now,
	}
}

// Run polls forever: one cycle, then a fixed sleep, until ctx is
// cancelled. There is no backoff growth on repeated failures; a failed
// cycle simply waits for the next wake-up.
func (r *Runner) Run(ctx context.Context) error {
	for {
		cycleCtx, cancel := context.WithTimeout(ctx, r.cfg.CycleTimeout())
		r.RunCycle(cycleCtx)
		cancel()

		r.logger.Debug("sleeping", "interval", r.cfg.PollInterval())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.PollInterval()):
		}
	}
}

// RunCycle performs a single connect-process-logout pass over all
// configured folders. A connect or login failure abandons the whole
// cycle; cursor and dedup state committed by prior cycles is
// unaffected.
func (r *Runner) RunCycle(ctx context.Context) {
	start := r.now()

	r.logger.Debug("connecting to mail source")
	sess, err := r.dialer.Dial(ctx)
	if err != nil {
		r.logger.Error("mail source connection failed, retrying next cycle",
			"error", err)
		return
	}
	defer sess.Logout()

	for _, folder := range r.cfg.IMAP.Folders {
		r.processFolder(ctx, sess, folder)
	}

	r.logger.Info("cycle complete",
		"folders", len(r.cfg.IMAP.Folders),
		"elapsed", r.now().Sub(start))
}

// processFolder lists the folder since its cursor, processes the ids
// in fixed-size batches, and advances the cursor to the current
// instant unconditionally. The date-granularity search re-covers the
// boundary day on the next cycle; dedup makes the overlap harmless.
func (r *Runner) processFolder(
	ctx context.Context, sess MailSession, folder string,
) {
	since := r.cursorFor(folder)

	r.logger.Debug("listing folder", "folder", folder, "since", since)
	ids := sess.ListIDsSince(ctx, folder, since)

	batchSize := r.cfg.IMAP.BatchSize
	if batchSize < 1 {
		batchSize = 50
	}

	var processed, failed int
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		fetched := sess.FetchRaw(ctx, batch)
		for _, id := range batch {
			raw, ok := fetched[id]
			if !ok {
				continue
			}
			if err := r.processMessage(ctx, folder, raw); err != nil {
				failed++
				r.logger.Error("processing message failed",
					"folder", folder, "id", id, "error", err)
				continue
			}
			processed++
		}
	}

	r.cursors[folder] = r.now()

	r.logger.Info("folder pass complete",
		"folder", folder,
		"listed", len(ids),
		"processed", processed,
		"failed", failed)
}

// cursorFor returns the folder's cursor, initializing it to
// now-minus-lookback on first use.
func (r *Runner) cursorFor(folder string) time.Time {
	if since, ok := r.cursors[folder]; ok {
		return since
	}
	since := r.now().AddDate(0, 0, -r.cfg.IMAP.LookbackDays)
	r.cursors[folder] = since
	return since
}

// processMessage runs one message through decode, dedup, admission,
// extraction, attachments, and the store write. The dedup mark is
// recorded and persisted only after the write succeeded, so a crash
// in between loses at most this one unpersisted mark.
func (r *Runner) processMessage(
	ctx context.Context, folder string, raw mailbox.RawMessage,
) error {
	msg := decode.Message(raw.ID, raw.Raw)

	if r.seen.IsSeen(msg.UID, msg.MessageID, folder) {
		r.logger.Debug("already mirrored, skipping",
			"folder", folder, "id", msg.UID)
		return nil
	}

	meta := filter.Metadata{
		MessageID: msg.MessageID,
		Sender:    msg.From,
		Subject:   msg.Subject,
		Date:      msg.Date,
	}
	verdict := filter.Evaluate(ctx, r.admission, meta, msg.Text, r.logger)
	if !verdict.Allow {
		r.logger.Info("admission filter denied message",
			"folder", folder, "id", msg.UID, "subject", msg.Subject)
		return nil
	}

	shipment := extract.Shipment(msg.Lines)
	fileRefs := r.attacher.Process(ctx, msg.UID, msg.Attachments)

	props := recordProperties(msg, shipment, fileRefs)
	mergeOverrides(props, verdict.Overrides)

	ref, err := r.write(ctx, msg.MessageID, props)
	if err != nil {
		// Not marked seen: the message is retried on a future cycle.
		return fmt.Errorf("writing record: %w", err)
	}

	r.seen.MarkSeen(msg.UID, msg.MessageID, folder)
	if err := r.seen.Save(); err != nil {
		r.logger.Warn("persisting dedup state failed, continuing in memory",
			"error", err)
	}

	if r.archiver != nil {
		entry := archive.Entry{
			Folder:      folder,
			UID:         msg.UID,
			MessageID:   msg.MessageID,
			Sender:      msg.From,
			Subject:     msg.Subject,
			EmailDate:   msg.Date,
			RecordID:    ref.ID,
			Attachments: len(msg.Attachments),
			MirroredAt:  r.now().UTC(),
		}
		if err := r.archiver.Record(ctx, entry); err != nil {
			r.logger.Warn("archiving message failed", "error", err)
		}
	}

	// Self-imposed rate limit against the record store.
	if delay := r.cfg.WriteDelay(); delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	return nil
}

// write creates the record, or updates an existing one when a record
// with the same message-id is already present in the store.
func (r *Runner) write(
	ctx context.Context, messageID string, props map[string]any,
) (*records.RecordRef, error) {
	if messageID != "" {
		existing, err := r.store.QueryRecords(ctx, map[string]any{
			"property":  "Message-ID",
			"rich_text": map[string]any{"equals": messageID},
		})
		if err != nil {
			r.logger.Warn("duplicate lookup failed, creating anyway",
				"message_id", messageID, "error", err)
		} else if len(existing) > 0 {
			ref := existing[0]
			if err := r.store.UpdateRecord(ctx, ref.ID, props); err != nil {
				return nil, err
			}
			r.logger.Debug("updated existing record",
				"message_id", messageID, "record", ref.ID)
			return &ref, nil
		}
	}

	return r.store.CreateRecord(ctx, props)
}

// recordProperties composes the store property map for one message.
func recordProperties(
	msg *model.MailMessage,
	shipment model.ShipmentRecord,
	fileRefs []attach.FileRef,
) map[string]any {
	props := map[string]any{
		"Subject":    titleProp(msg.Subject),
		"Message-ID": richText(msg.MessageID),
		"From":       richText(msg.From),
		"Body":       richText(msg.Text),
		"Email Date": map[string]any{
			"date": map[string]any{
				"start": msg.Date.UTC().Format(time.RFC3339),
			},
		},
	}

	if shipment.OrderID != "" {
		props["Order ID"] = richText(shipment.OrderID)
	}
	if shipment.Tracking != "" {
		props["Tracking"] = richText(shipment.Tracking)
	}
	if len(shipment.Items) > 0 {
		props["Items"] = richText(itemSummary(shipment.Items))
	}
	if len(fileRefs) > 0 {
		props["Attachments"] = filesProp(fileRefs)
	}

	return props
}

// itemSummary renders extracted line items one per line.
func itemSummary(items []model.LineItem) string {
	summary := ""
	for i, item := range items {
		if i > 0 {
			summary += "\n"
		}
		summary += fmt.Sprintf("%d× %s", item.Quantity, item.Title)
		if item.Variant != "" {
			summary += " (" + item.Variant + ")"
		}
		if item.SKU != "" {
			summary += " [" + item.SKU + "]"
		}
	}
	return summary
}

// mergeOverrides merges filter property overrides into props. Plain
// string values are wrapped as rich text; anything else is taken as a
// ready-made property value.
func mergeOverrides(props map[string]any, overrides map[string]any) {
	for key, value := range overrides {
		if s, ok := value.(string); ok {
			props[key] = richText(s)
			continue
		}
		props[key] = value
	}
}

// richText wraps a string as a store rich_text property; empty strings
// yield an empty rich_text list.
func richText(s string) map[string]any {
	if s == "" {
		return map[string]any{"rich_text": []any{}}
	}
	return map[string]any{
		"rich_text": []any{
			map[string]any{
				"type": "text",
				"text": map[string]any{"content": s},
			},
		},
	}
}

// titleProp wraps a string as the store title property.
func titleProp(s string) map[string]any {
	return map[string]any{
		"title": []any{
			map[string]any{
				"type": "text",
				"text": map[string]any{"content": s},
			},
		},
	}
}

// filesProp renders attachment references as a store files property.
func filesProp(refs []attach.FileRef) map[string]any {
	files := make([]any, 0, len(refs))
	for _, ref := range refs {
		switch {
		case ref.UploadID != "":
			files = append(files, map[string]any{
				"name":        ref.Name,
				"type":        "file_upload",
				"file_upload": map[string]any{"id": ref.UploadID},
			})
		case ref.ExternalURL != "":
			files = append(files, map[string]any{
				"name":     ref.Name,
				"type":     "external",
				"external": map[string]any{"url": ref.ExternalURL},
			})
		}
	}
	return map[string]any{"files": files}
}
