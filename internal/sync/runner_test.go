package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailmirror/internal/attach"
	"github.com/nhle/mailmirror/internal/dedup"
	"github.com/nhle/mailmirror/internal/filter"
	"github.com/nhle/mailmirror/internal/mailbox"
	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/records"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *model.Config {
	t.Helper()
	return &model.Config{
		IMAP: model.IMAPConfig{
			Folders:      []string{"INBOX"},
			LookbackDays: 7,
			BatchSize:    2,
		},
		Sync: model.SyncConfig{
			PollIntervalSec: 1,
			DedupPath:       filepath.Join(t.TempDir(), "state.json"),
			DedupCap:        100,
			CycleTimeoutSec: 30,
		},
	}
}

// rawMessage builds a minimal plain-text RFC 822 message.
func rawMessage(id, messageID, subject string) mailbox.RawMessage {
	raw := "From: shop@example.com\r\n" +
		"To: me@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-ID: <" + messageID + ">\r\n" +
		"Date: Mon, 02 Jun 2025 10:00:00 +0000\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body of " + subject + "\r\n"
	return mailbox.RawMessage{ID: id, Raw: []byte(raw)}
}

type fakeSession struct {
	ids     []string
	raws    map[string]mailbox.RawMessage
	since   []time.Time
	logouts int
}

func (s *fakeSession) ListIDsSince(
	_ context.Context, _ string, since time.Time,
) []string {
	s.since = append(s.since, since)
	return s.ids
}

func (s *fakeSession) FetchRaw(
	_ context.Context, ids []string,
) map[string]mailbox.RawMessage {
	out := make(map[string]mailbox.RawMessage, len(ids))
	for _, id := range ids {
		if raw, ok := s.raws[id]; ok {
			out[id] = raw
		}
	}
	return out
}

func (s *fakeSession) Logout() { s.logouts++ }

func sessionDialer(s *fakeSession) Dialer {
	return DialerFunc(func(context.Context) (MailSession, error) {
		return s, nil
	})
}

type fakeStore struct {
	created      []map[string]any
	updated      []string
	queryResults []records.RecordRef
	failFirst    bool
	createCalls  int
}

func (f *fakeStore) CreateRecord(
	_ context.Context, props map[string]any,
) (*records.RecordRef, error) {
	f.createCalls++
	if f.failFirst && f.createCalls == 1 {
		return nil, errors.New("store unavailable")
	}
	f.created = append(f.created, props)
	return &records.RecordRef{ID: "rec-created"}, nil
}

func (f *fakeStore) QueryRecords(
	_ context.Context, _ map[string]any,
) ([]records.RecordRef, error) {
	return f.queryResults, nil
}

func (f *fakeStore) UpdateRecord(
	_ context.Context, id string, _ map[string]any,
) error {
	f.updated = append(f.updated, id)
	return nil
}

type nopAttacher struct{}

func (nopAttacher) Process(
	context.Context, string, []model.Attachment,
) []attach.FileRef {
	return nil
}

func newTestRunner(
	t *testing.T,
	cfg *model.Config,
	dialer Dialer,
	store RecordStore,
	admission filter.AdmissionFilter,
) (*Runner, *dedup.Store) {
	t.Helper()
	seen := dedup.Open(cfg.Sync.DedupPath, cfg.Sync.DedupCap, testLogger())
	r := New(cfg, dialer, store, admission, seen, nopAttacher{}, nil, testLogger())
	return r, seen
}

func TestRunCycleMirrorsMessages(t *testing.T) {
	cfg := testConfig(t)
	sess := &fakeSession{
		ids: []string{"1", "2", "3"},
		raws: map[string]mailbox.RawMessage{
			"1": rawMessage("1", "m-1", "First"),
			"2": rawMessage("2", "m-2", "Second"),
			"3": rawMessage("3", "m-3", "Third"),
		},
	}
	store := &fakeStore{}
	r, seen := newTestRunner(t, cfg, sessionDialer(sess), store, nil)

	r.RunCycle(context.Background())

	require.Len(t, store.created, 3)
	assert.True(t, seen.IsSeen("1", "m-1", "INBOX"))
	assert.True(t, seen.IsSeen("3", "m-3", "INBOX"))
	assert.Equal(t, 1, sess.logouts)

	// Items are written in the order the listing returned them, even
	// across batches (batch size is 2 here).
	subjects := make([]string, 0, len(store.created))
	for _, props := range store.created {
		subjects = append(subjects, titleContent(t, props))
	}
	assert.Equal(t, []string{"First", "Second", "Third"}, subjects)
}

func TestRunCycleIdempotent(t *testing.T) {
	cfg := testConfig(t)
	sess := &fakeSession{
		ids: []string{"1", "2"},
		raws: map[string]mailbox.RawMessage{
			"1": rawMessage("1", "m-1", "First"),
			"2": rawMessage("2", "m-2", "Second"),
		},
	}
	store := &fakeStore{}
	r, _ := newTestRunner(t, cfg, sessionDialer(sess), store, nil)

	r.RunCycle(context.Background())
	r.RunCycle(context.Background())

	// The second pass over identical mailbox contents creates nothing.
	assert.Len(t, store.created, 2)
}

type denyFilter struct{ marker string }

func (f denyFilter) Decide(
	_ context.Context, meta filter.Metadata, _ string,
) (filter.Verdict, error) {
	if strings.Contains(meta.Subject, f.marker) {
		return filter.Verdict{}, nil
	}
	return filter.Verdict{Allow: true}, nil
}

func TestAdmissionFilterGatesWrites(t *testing.T) {
	cfg := testConfig(t)
	sess := &fakeSession{
		ids: []string{"1", "2"},
		raws: map[string]mailbox.RawMessage{
			"1": rawMessage("1", "m-1", "deny this one"),
			"2": rawMessage("2", "m-2", "keep this one"),
		},
	}
	store := &fakeStore{}
	r, seen := newTestRunner(
		t, cfg, sessionDialer(sess), store, denyFilter{marker: "deny"},
	)

	r.RunCycle(context.Background())

	// Exactly one record created and exactly one message marked seen.
	require.Len(t, store.created, 1)
	assert.Equal(t, "keep this one", titleContent(t, store.created[0]))
	assert.False(t, seen.IsSeen("1", "m-1", "INBOX"))
	assert.True(t, seen.IsSeen("2", "m-2", "INBOX"))
}

func TestWriteFailureIsRetriedNextCycle(t *testing.T) {
	cfg := testConfig(t)
	sess := &fakeSession{
		ids: []string{"1", "2"},
		raws: map[string]mailbox.RawMessage{
			"1": rawMessage("1", "m-1", "First"),
			"2": rawMessage("2", "m-2", "Second"),
		},
	}
	store := &fakeStore{failFirst: true}
	r, seen := newTestRunner(t, cfg, sessionDialer(sess), store, nil)

	r.RunCycle(context.Background())

	// The failed write is not marked seen; the other one is.
	require.Len(t, store.created, 1)
	assert.False(t, seen.IsSeen("1", "m-1", "INBOX"))
	assert.True(t, seen.IsSeen("2", "m-2", "INBOX"))

	r.RunCycle(context.Background())

	// Only the previously failed message is written this time.
	require.Len(t, store.created, 2)
	assert.True(t, seen.IsSeen("1", "m-1", "INBOX"))
}

func TestExistingRecordIsUpdatedNotDuplicated(t *testing.T) {
	cfg := testConfig(t)
	sess := &fakeSession{
		ids: []string{"1"},
		raws: map[string]mailbox.RawMessage{
			"1": rawMessage("1", "m-1", "Already there"),
		},
	}
	store := &fakeStore{
		queryResults: []records.RecordRef{{ID: "rec-existing"}},
	}
	r, seen := newTestRunner(t, cfg, sessionDialer(sess), store, nil)

	r.RunCycle(context.Background())

	assert.Empty(t, store.created)
	assert.Equal(t, []string{"rec-existing"}, store.updated)
	assert.True(t, seen.IsSeen("1", "m-1", "INBOX"))
}

func TestCursorInitializedAndAdvanced(t *testing.T) {
	cfg := testConfig(t)
	sess := &fakeSession{}
	store := &fakeStore{}
	r, _ := newTestRunner(t, cfg, sessionDialer(sess), store, nil)

	start := time.Now()
	r.RunCycle(context.Background())
	r.RunCycle(context.Background())

	require.Len(t, sess.since, 2)

	// First cycle starts at now-minus-lookback.
	expected := start.AddDate(0, 0, -cfg.IMAP.LookbackDays)
	assert.WithinDuration(t, expected, sess.since[0], 10*time.Second)

	// The second cycle's cursor advanced to the first cycle's
	// completion instant, regardless of how many messages were found.
	assert.WithinDuration(t, start, sess.since[1], 10*time.Second)
}

func TestConnectFailureAbandonsCycle(t *testing.T) {
	cfg := testConfig(t)
	store := &fakeStore{}
	dialer := DialerFunc(func(context.Context) (MailSession, error) {
		return nil, errors.New("connection refused")
	})
	r, _ := newTestRunner(t, cfg, dialer, store, nil)

	r.RunCycle(context.Background())

	assert.Empty(t, store.created)
	assert.Zero(t, store.createCalls)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	sess := &fakeSession{}
	r, _ := newTestRunner(t, cfg, sessionDialer(sess), &fakeStore{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// titleContent extracts the plain content of the Subject title
// property from a created record.
func titleContent(t *testing.T, props map[string]any) string {
	t.Helper()

	subject, ok := props["Subject"].(map[string]any)
	require.True(t, ok)
	title, ok := subject["title"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, title)
	part, ok := title[0].(map[string]any)
	require.True(t, ok)
	text, ok := part["text"].(map[string]any)
	require.True(t, ok)
	content, ok := text["content"].(string)
	require.True(t, ok)
	return content
}
