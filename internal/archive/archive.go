// Package archive keeps a local sqlite audit trail of every message
// successfully mirrored to the record store. The archive is optional;
// failures writing to it never affect the sync cycle.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Entry is one mirrored message.
type Entry struct {
	Folder      string    `db:"folder"`
	UID         string    `db:"uid"`
	MessageID   string    `db:"message_id"`
	Sender      string    `db:"sender"`
	Subject     string    `db:"subject"`
	EmailDate   time.Time `db:"email_date"`
	RecordID    string    `db:"record_id"`
	Attachments int       `db:"attachments"`
	MirroredAt  time.Time `db:"mirrored_at"`
}

// Archive is a sqlite-backed mirror log.
type Archive struct {
	db *sqlx.DB
}

// Open opens (or creates) the archive database at dbPath, enables WAL
// mode, and runs any pending schema migrations.
func Open(dbPath string) (*Archive, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening archive db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	a := &Archive{db: db}
	if err := a.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return a, nil
}

// Close closes the underlying database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (a *Archive) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := a.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = a.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := a.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Record inserts or replaces the archive entry for a message.
func (a *Archive) Record(ctx context.Context, e Entry) error {
	_, err := a.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO messages (
			folder, uid, message_id, sender, subject,
			email_date, record_id, attachments, mirrored_at
		) VALUES (
			:folder, :uid, :message_id, :sender, :subject,
			:email_date, :record_id, :attachments, :mirrored_at
		)`, e)
	if err != nil {
		return fmt.Errorf("archiving message %s/%s: %w", e.Folder, e.UID, err)
	}
	return nil
}

// Recent returns the most recently mirrored entries, newest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit < 1 {
		limit = 50
	}

	var entries []Entry
	err := a.db.SelectContext(ctx, &entries, `
		SELECT folder, uid, message_id, sender, subject,
		       email_date, record_id, attachments, mirrored_at
		FROM messages
		ORDER BY mirrored_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing archive entries: %w", err)
	}
	return entries, nil
}

// Count returns the number of archived messages.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages"); err != nil {
		return 0, fmt.Errorf("counting archive entries: %w", err)
	}
	return n, nil
}
