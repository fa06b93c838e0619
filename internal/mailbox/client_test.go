package mailbox

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumSetMatchesIdentifierScheme(t *testing.T) {
	uidSess := &Session{uidMode: true}
	set, err := uidSess.numSet([]string{"10", "11"})
	require.NoError(t, err)
	_, ok := set.(imap.UIDSet)
	assert.True(t, ok)

	seqSess := &Session{uidMode: false}
	set, err = seqSess.numSet([]string{"1", "2"})
	require.NoError(t, err)
	_, ok = set.(imap.SeqSet)
	assert.True(t, ok)
}

func TestNumSetRejectsMalformedIDs(t *testing.T) {
	sess := &Session{uidMode: true}
	_, err := sess.numSet([]string{"not-a-number"})
	assert.Error(t, err)
}

func TestItemIDPrefersExplicitUID(t *testing.T) {
	sess := &Session{uidMode: true}

	buf := &imapclient.FetchMessageBuffer{SeqNum: 3, UID: 42}
	assert.Equal(t, "42", sess.itemID(buf))

	// Missing UID falls back to the sequence number.
	buf = &imapclient.FetchMessageBuffer{SeqNum: 3}
	assert.Equal(t, "3", sess.itemID(buf))

	// Neither identifier: the item is droppable.
	assert.Equal(t, "", sess.itemID(&imapclient.FetchMessageBuffer{}))
}

func TestItemIDSequenceMode(t *testing.T) {
	sess := &Session{uidMode: false}

	buf := &imapclient.FetchMessageBuffer{SeqNum: 7, UID: 42}
	assert.Equal(t, "7", sess.itemID(buf))
}

func TestKeepSinceDropsIDsBeforeCursor(t *testing.T) {
	// The date-granularity search over-matches the boundary day; the
	// refinement keeps only ids received at or after the cursor.
	cursor := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	dates := map[string]time.Time{
		"1": cursor.Add(-6 * time.Hour),
		"2": cursor,
		"3": cursor.Add(3 * time.Hour),
	}

	kept := keepSince([]string{"1", "2", "3"}, dates, cursor)

	assert.Equal(t, []string{"2", "3"}, kept)
}

func TestKeepSinceKeepsIDsWithoutTimestamp(t *testing.T) {
	cursor := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	dates := map[string]time.Time{
		"1": cursor.Add(-time.Hour),
	}

	// "2" has no retrievable timestamp and must be kept.
	kept := keepSince([]string{"1", "2"}, dates, cursor)
	assert.Equal(t, []string{"2"}, kept)

	// A failed metadata fetch yields no timestamps at all: everything
	// is kept.
	kept = keepSince([]string{"1", "2"}, nil, cursor)
	assert.Equal(t, []string{"1", "2"}, kept)
}
