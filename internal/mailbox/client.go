// Package mailbox adapts an IMAP server to the incremental listing and
// batched retrieval operations the sync loop needs. Search and fetch
// failures surface as empty results, never as cycle-aborting errors;
// only connect/login failures are returned to the caller.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailmirror/internal/model"
)

// AuthError indicates that connecting or authenticating to the mail
// source failed. The current cycle is abandoned and retried on the
// next poll.
type AuthError struct {
	Addr    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("mail source auth (%s): %s", e.Addr, e.Message)
}

// RawMessage is one fetched message: its transport id, the full raw
// RFC 822 bytes, and the message flags.
type RawMessage struct {
	ID    string
	Raw   []byte
	Flags []string
}

// Client holds the connection settings for a mail source.
type Client struct {
	host      string
	port      string
	username  string
	password  string
	tls       bool
	metaChunk int
	logger    *slog.Logger
}

// NewClient creates a mail source client from configuration.
func NewClient(cfg model.IMAPConfig, logger *slog.Logger) *Client {
	metaChunk := cfg.MetaChunkSize
	if metaChunk < 1 {
		metaChunk = 200
	}
	return &Client{
		host:      cfg.Host,
		port:      cfg.Port,
		username:  cfg.Username,
		password:  cfg.Password,
		tls:       cfg.TLS,
		metaChunk: metaChunk,
		logger:    logger,
	}
}

// Dial connects and authenticates, returning a live session. The
// caller is responsible for calling Logout on the returned session.
func (c *Client) Dial(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := c.host + ":" + c.port

	var client *imapclient.Client
	var err error
	if c.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Addr: addr,
			Message: fmt.Sprintf(
				"authentication failed for %s: %v", c.username, err,
			),
		}
	}

	return &Session{
		client:    client,
		metaChunk: c.metaChunk,
		logger:    c.logger,
	}, nil
}

// Session is an authenticated mail source connection. It remembers
// which identifier scheme (UID or sequence number) the most recent
// listing used so the subsequent fetch stays uniform with it.
type Session struct {
	client    *imapclient.Client
	metaChunk int
	logger    *slog.Logger
	uidMode   bool
}

// Logout closes the session.
func (s *Session) Logout() {
	_ = s.client.Logout().Wait()
}

// ListIDsSince selects folder read-only and returns the ids of
// messages received at or after since. The server-side SINCE search
// has date granularity, so the result is refined against each
// message's internal receipt timestamp; ids whose timestamp cannot be
// determined are kept. Any protocol failure yields an empty list.
func (s *Session) ListIDsSince(
	ctx context.Context, folder string, since time.Time,
) []string {
	if err := ctx.Err(); err != nil {
		return nil
	}

	selectOpts := &imap.SelectOptions{ReadOnly: true}
	if _, err := s.client.Select(folder, selectOpts).Wait(); err != nil {
		s.logger.Warn("selecting folder failed",
			"folder", folder, "error", err)
		return nil
	}

	criteria := &imap.SearchCriteria{Since: since}

	// Prefer a UID-scoped search so ids stay valid across the batch
	// fetches; fall back to sequence numbers when the server rejects
	// it, keeping the scheme uniform for this pass.
	var ids []string
	searchData, err := s.client.UIDSearch(criteria, nil).Wait()
	if err == nil {
		s.uidMode = true
		for _, uid := range searchData.AllUIDs() {
			ids = append(ids, strconv.FormatUint(uint64(uid), 10))
		}
	} else {
		s.logger.Warn("UID search failed, falling back to sequence numbers",
			"folder", folder, "error", err)
		seqData, seqErr := s.client.Search(criteria, nil).Wait()
		if seqErr != nil {
			s.logger.Warn("search failed",
				"folder", folder, "error", seqErr)
			return nil
		}
		s.uidMode = false
		for _, num := range seqData.AllSeqNums() {
			ids = append(ids, strconv.FormatUint(uint64(num), 10))
		}
	}

	return s.refineByInternalDate(ctx, folder, ids, since)
}

// refineByInternalDate drops ids whose internal receipt timestamp is
// strictly before the cursor. The timestamps are fetched in bounded
// chunks to respect command-length limits. Ids with no retrievable
// timestamp are included: the dedup store is the safety net, not this
// filter.
func (s *Session) refineByInternalDate(
	ctx context.Context, folder string, ids []string, since time.Time,
) []string {
	if len(ids) == 0 {
		return nil
	}

	kept := make([]string, 0, len(ids))
	for start := 0; start < len(ids); start += s.metaChunk {
		end := start + s.metaChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		dates := s.fetchInternalDates(ctx, chunk)
		kept = append(kept, keepSince(chunk, dates, since)...)
	}

	if dropped := len(ids) - len(kept); dropped > 0 {
		s.logger.Debug("refined listing by internal date",
			"folder", folder, "dropped", dropped, "kept", len(kept))
	}
	return kept
}

// keepSince returns the ids whose timestamp in dates is at or after
// since; ids with no timestamp are kept.
func keepSince(
	ids []string, dates map[string]time.Time, since time.Time,
) []string {
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if received, ok := dates[id]; ok && received.Before(since) {
			continue
		}
		kept = append(kept, id)
	}
	return kept
}

// fetchInternalDates issues a metadata-only fetch for the internal
// receipt timestamps of ids. A failed fetch yields an empty map, which
// the caller treats as "keep everything".
func (s *Session) fetchInternalDates(
	ctx context.Context, ids []string,
) map[string]time.Time {
	if err := ctx.Err(); err != nil {
		return nil
	}

	numSet, err := s.numSet(ids)
	if err != nil {
		s.logger.Warn("building id set for metadata fetch", "error", err)
		return nil
	}

	fetchOpts := &imap.FetchOptions{
		InternalDate: true,
		UID:          true,
	}

	fetchCmd := s.client.Fetch(numSet, fetchOpts)

	dates := make(map[string]time.Time, len(ids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		id := s.itemID(buf)
		if id == "" || buf.InternalDate.IsZero() {
			continue
		}
		dates[id] = buf.InternalDate
	}

	if err := fetchCmd.Close(); err != nil {
		s.logger.Warn("metadata fetch failed", "error", err)
	}
	return dates
}

// FetchRaw retrieves the full raw content and flags for a batch of
// ids in a single fetch. Items whose identifier cannot be recovered
// from the response are dropped with a diagnostic. A failed fetch
// yields an empty map.
func (s *Session) FetchRaw(
	ctx context.Context, ids []string,
) map[string]RawMessage {
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return nil
	}

	numSet, err := s.numSet(ids)
	if err != nil {
		s.logger.Warn("building id set for fetch", "error", err)
		return nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(numSet, fetchOpts)

	out := make(map[string]RawMessage, len(ids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			s.logger.Warn("collecting fetched message", "error", err)
			continue
		}

		id := s.itemID(buf)
		if id == "" {
			s.logger.Warn("fetched item without identifier, dropping",
				"seq", buf.SeqNum)
			continue
		}

		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			s.logger.Warn("fetched item without body", "id", id)
			continue
		}

		flags := make([]string, 0, len(buf.Flags))
		for _, flag := range buf.Flags {
			flags = append(flags, string(flag))
		}

		out[id] = RawMessage{ID: id, Raw: raw, Flags: flags}
	}

	if err := fetchCmd.Close(); err != nil {
		s.logger.Warn("fetch failed", "error", err)
	}
	return out
}

// numSet builds a fetch id set matching the identifier scheme of the
// most recent listing.
func (s *Session) numSet(ids []string) (imap.NumSet, error) {
	if s.uidMode {
		uids := make([]imap.UID, 0, len(ids))
		for _, id := range ids {
			n, err := strconv.ParseUint(id, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid uid %q: %w", id, err)
			}
			uids = append(uids, imap.UID(n))
		}
		return imap.UIDSetNum(uids...), nil
	}

	nums := make([]uint32, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid sequence number %q: %w", id, err)
		}
		nums = append(nums, uint32(n))
	}
	return imap.SeqSetNum(nums...), nil
}

// itemID recovers the per-item identifier from a fetch response,
// preferring the explicit UID field and falling back to the sequence
// number. Returns "" when neither is present.
func (s *Session) itemID(buf *imapclient.FetchMessageBuffer) string {
	if s.uidMode {
		if buf.UID != 0 {
			return strconv.FormatUint(uint64(buf.UID), 10)
		}
		if buf.SeqNum != 0 {
			return strconv.FormatUint(uint64(buf.SeqNum), 10)
		}
		return ""
	}
	if buf.SeqNum != 0 {
		return strconv.FormatUint(uint64(buf.SeqNum), 10)
	}
	return ""
}
