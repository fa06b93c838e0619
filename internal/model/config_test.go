package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"INBOX"}, cfg.IMAP.Folders)
	assert.Equal(t, 30, cfg.IMAP.LookbackDays)
	assert.Equal(t, 200, cfg.IMAP.MetaChunkSize)
	assert.Equal(t, 2000, cfg.Sync.DedupCap)
	assert.Equal(t, 5*time.Minute, cfg.PollInterval())
	assert.Equal(t, 100*time.Millisecond, cfg.WriteDelay())
	assert.Equal(t, "no-sync", cfg.Filter.OptOutMarker)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
imap:
  host: mail.example.com
  username: sync@example.com
  folders: [INBOX, Spedizioni]
  lookback_days: 7
store:
  database_id: db-123
  upload_enabled: true
sync:
  poll_interval_sec: 60
  dedup_cap: 500
attachments:
  public_base_url: https://files.example.com
filter:
  subject_keywords: [invoice]
archive_path: mirror.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mail.example.com", cfg.IMAP.Host)
	assert.Equal(t, []string{"INBOX", "Spedizioni"}, cfg.IMAP.Folders)
	assert.Equal(t, 7, cfg.IMAP.LookbackDays)
	assert.Equal(t, "db-123", cfg.Store.DatabaseID)
	assert.True(t, cfg.Store.UploadEnabled)
	assert.Equal(t, time.Minute, cfg.PollInterval())
	assert.Equal(t, 500, cfg.Sync.DedupCap)
	assert.Equal(t, "https://files.example.com", cfg.Attachments.PublicBaseURL)
	assert.Equal(t, []string{"invoice"}, cfg.Filter.SubjectKeywords)
	assert.Equal(t, "mirror.db", cfg.ArchivePath)

	// Unset keys still resolve to defaults.
	assert.Equal(t, "993", cfg.IMAP.Port)
	assert.Equal(t, 50, cfg.IMAP.BatchSize)
}

func TestLoadConfigEnvOverridesWithoutFile(t *testing.T) {
	// Credential and endpoint keys have no default; their environment
	// overrides must still resolve when no config file exists.
	t.Setenv("MAILMIRROR_IMAP_HOST", "imap.example.com")
	t.Setenv("MAILMIRROR_IMAP_PASSWORD", "hunter2")
	t.Setenv("MAILMIRROR_IMAP_BATCH_SIZE", "7")
	t.Setenv("MAILMIRROR_STORE_TOKEN", "secret-token")
	t.Setenv("MAILMIRROR_STORE_DATABASE_ID", "db-env")
	t.Setenv("MAILMIRROR_ARCHIVE_PATH", "env-mirror.db")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "imap.example.com", cfg.IMAP.Host)
	assert.Equal(t, "hunter2", cfg.IMAP.Password)
	assert.Equal(t, 7, cfg.IMAP.BatchSize)
	assert.Equal(t, "secret-token", cfg.Store.Token)
	assert.Equal(t, "db-env", cfg.Store.DatabaseID)
	assert.Equal(t, "env-mirror.db", cfg.ArchivePath)

	// Untouched keys keep their defaults.
	assert.Equal(t, "993", cfg.IMAP.Port)
	assert.Equal(t, []string{"INBOX"}, cfg.IMAP.Folders)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
imap:
  host: from-file.example.com
  username: sync@example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("MAILMIRROR_IMAP_HOST", "from-env.example.com")
	t.Setenv("MAILMIRROR_FILTER_BLOCKED_DOMAINS", "spam.example,junk.example")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env.example.com", cfg.IMAP.Host)
	assert.Equal(t, "sync@example.com", cfg.IMAP.Username)
	assert.Equal(t,
		[]string{"spam.example", "junk.example"},
		cfg.Filter.BlockedDomains)
}
