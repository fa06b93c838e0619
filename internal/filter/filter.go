// Package filter decides whether a decoded message is admitted to the
// record store. The decision contract is tri-state: deny, allow, or
// allow with property overrides. Filters must not be assumed
// side-effect-free, and a filter error always fails open to allow.
package filter

import (
	"context"
	"log/slog"
	"time"
)

// Metadata is the header view a filter decides on.
type Metadata struct {
	MessageID string
	Sender    string
	Subject   string
	Date      time.Time
}

// Verdict is the outcome of an admission decision. Overrides, when
// non-nil on an allowed verdict, are merged into the record
// properties before the write.
type Verdict struct {
	Allow     bool
	Overrides map[string]any
}

// AdmissionFilter gates record creation. Implementations are injected
// into the sync loop at construction time.
type AdmissionFilter interface {
	Decide(ctx context.Context, meta Metadata, body string) (Verdict, error)
}

// allowAll admits everything.
type allowAll struct{}

func (allowAll) Decide(context.Context, Metadata, string) (Verdict, error) {
	return Verdict{Allow: true}, nil
}

// AllowAll returns a filter that admits every message.
func AllowAll() AdmissionFilter {
	return allowAll{}
}

// Evaluate applies f and fails open: a nil filter, an error, or a
// panic all yield an allow verdict with a log line.
func Evaluate(
	ctx context.Context,
	f AdmissionFilter,
	meta Metadata,
	body string,
	logger *slog.Logger,
) (verdict Verdict) {
	if f == nil {
		return Verdict{Allow: true}
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("admission filter panicked, allowing",
				"message_id", meta.MessageID, "panic", r)
			verdict = Verdict{Allow: true}
		}
	}()

	v, err := f.Decide(ctx, meta, body)
	if err != nil {
		logger.Warn("admission filter error, allowing",
			"message_id", meta.MessageID, "error", err)
		return Verdict{Allow: true}
	}
	return v
}
