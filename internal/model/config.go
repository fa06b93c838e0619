package model

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// IMAPConfig holds the mail-source endpoint and listing parameters.
type IMAPConfig struct {
	// Host is the IMAP server hostname.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the IMAP server port (993 for implicit TLS).
	Port string `mapstructure:"port" yaml:"port"`

	// Username is the mailbox login.
	Username string `mapstructure:"username" yaml:"username"`

	// Password is the mailbox secret. May be left empty and resolved
	// from the system keyring at startup.
	Password string `mapstructure:"password" yaml:"password"`

	// TLS selects implicit TLS; when false, STARTTLS is used.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Folders is the list of mailbox folders to mirror.
	Folders []string `mapstructure:"folders" yaml:"folders"`

	// LookbackDays bounds the initial per-folder cursor.
	LookbackDays int `mapstructure:"lookback_days" yaml:"lookback_days"`

	// BatchSize is the number of messages fetched per FETCH command.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// MetaChunkSize bounds the id list of the metadata refinement
	// fetch, to respect server command-length limits.
	MetaChunkSize int `mapstructure:"meta_chunk_size" yaml:"meta_chunk_size"`
}

// StoreConfig holds the record-store API settings.
type StoreConfig struct {
	// BaseURL is the root URL of the record-store API.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Token authenticates against the store. May be left empty and
	// resolved from the system keyring at startup.
	Token string `mapstructure:"token" yaml:"token"`

	// Version is sent as the store API version header.
	Version string `mapstructure:"version" yaml:"version"`

	// DatabaseID is the target database for created records.
	DatabaseID string `mapstructure:"database_id" yaml:"database_id"`

	// UploadEnabled turns on the two-phase direct attachment upload.
	UploadEnabled bool `mapstructure:"upload_enabled" yaml:"upload_enabled"`

	// WriteDelayMs is the pause after each successful record write,
	// a self-imposed rate limit against the store.
	WriteDelayMs int `mapstructure:"write_delay_ms" yaml:"write_delay_ms"`
}

// SyncConfig holds the polling and dedup-state settings.
type SyncConfig struct {
	// PollIntervalSec is the fixed sleep between cycles.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// DedupPath is the JSON file holding processed-id state.
	DedupPath string `mapstructure:"dedup_path" yaml:"dedup_path"`

	// DedupCap bounds each processed-id list; oldest entries are
	// evicted first.
	DedupCap int `mapstructure:"dedup_cap" yaml:"dedup_cap"`

	// CycleTimeoutSec bounds a whole connect-to-sleep cycle.
	CycleTimeoutSec int `mapstructure:"cycle_timeout_sec" yaml:"cycle_timeout_sec"`
}

// AttachmentConfig holds attachment persistence settings.
type AttachmentConfig struct {
	// Dir is the local directory attachments are persisted to.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// PublicBaseURL, when set, is used to build external file
	// references for attachments that were not directly uploaded.
	PublicBaseURL string `mapstructure:"public_base_url" yaml:"public_base_url"`
}

// FilterConfig holds the rule-based admission filter settings.
type FilterConfig struct {
	// OptOutMarker skips any message whose body contains it.
	OptOutMarker string `mapstructure:"opt_out_marker" yaml:"opt_out_marker"`

	// SubjectKeywords admit a message when the subject contains one.
	SubjectKeywords []string `mapstructure:"subject_keywords" yaml:"subject_keywords"`

	// SenderWhitelist admits messages from these addresses or domains
	// ("alerts@example.com", "@trusted.com", or "trusted.com").
	SenderWhitelist []string `mapstructure:"sender_whitelist" yaml:"sender_whitelist"`

	// BlockedDomains rejects messages from these sender domains.
	BlockedDomains []string `mapstructure:"blocked_domains" yaml:"blocked_domains"`

	// SubjectPatterns admit a message when the subject matches one of
	// these regular expressions (case-insensitive).
	SubjectPatterns []string `mapstructure:"subject_patterns" yaml:"subject_patterns"`

	// KeywordTag, when non-empty, is written as a Tag property
	// override on keyword-admitted messages.
	KeywordTag string `mapstructure:"keyword_tag" yaml:"keyword_tag"`
}

// Config is the top-level application configuration.
type Config struct {
	IMAP        IMAPConfig       `mapstructure:"imap" yaml:"imap"`
	Store       StoreConfig      `mapstructure:"store" yaml:"store"`
	Sync        SyncConfig       `mapstructure:"sync" yaml:"sync"`
	Attachments AttachmentConfig `mapstructure:"attachments" yaml:"attachments"`
	Filter      FilterConfig     `mapstructure:"filter" yaml:"filter"`

	// ArchivePath, when non-empty, enables the local sqlite archive
	// of mirrored messages.
	ArchivePath string `mapstructure:"archive_path" yaml:"archive_path"`
}

// PollInterval returns the cycle sleep as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalSec) * time.Second
}

// CycleTimeout returns the per-cycle deadline as a duration.
func (c *Config) CycleTimeout() time.Duration {
	return time.Duration(c.Sync.CycleTimeoutSec) * time.Second
}

// WriteDelay returns the post-write pause as a duration.
func (c *Config) WriteDelay() time.Duration {
	return time.Duration(c.Store.WriteDelayMs) * time.Millisecond
}

// defaultConfig returns a configuration with every knob at its
// documented default.
func defaultConfig() *Config {
	return &Config{
		IMAP: IMAPConfig{
			Port:          "993",
			TLS:           true,
			Folders:       []string{"INBOX"},
			LookbackDays:  30,
			BatchSize:     50,
			MetaChunkSize: 200,
		},
		Store: StoreConfig{
			BaseURL:      "https://api.notion.com",
			Version:      "2022-06-28",
			WriteDelayMs: 100,
		},
		Sync: SyncConfig{
			PollIntervalSec: 300,
			DedupPath:       "mailmirror-state.json",
			DedupCap:        2000,
			CycleTimeoutSec: 600,
		},
		Attachments: AttachmentConfig{
			Dir: "attachments",
		},
		Filter: FilterConfig{
			OptOutMarker: "no-sync",
		},
	}
}

// configKeys lists every configuration key, so that environment
// overrides resolve even for keys that have no default and no file
// entry (credentials and endpoints in particular).
var configKeys = []string{
	"imap.host",
	"imap.port",
	"imap.username",
	"imap.password",
	"imap.tls",
	"imap.folders",
	"imap.lookback_days",
	"imap.batch_size",
	"imap.meta_chunk_size",
	"store.base_url",
	"store.token",
	"store.version",
	"store.database_id",
	"store.upload_enabled",
	"store.write_delay_ms",
	"sync.poll_interval_sec",
	"sync.dedup_path",
	"sync.dedup_cap",
	"sync.cycle_timeout_sec",
	"attachments.dir",
	"attachments.public_base_url",
	"filter.opt_out_marker",
	"filter.subject_keywords",
	"filter.sender_whitelist",
	"filter.blocked_domains",
	"filter.subject_patterns",
	"filter.keyword_tag",
	"archive_path",
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. Environment variables prefixed with MAILMIRROR_ override file
// values (e.g. MAILMIRROR_IMAP_PASSWORD). A missing file yields the
// defaults plus any environment overrides rather than an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("mailmirror")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range configKeys {
		_ = v.BindEnv(key)
	}

	def := defaultConfig()
	v.SetDefault("imap.port", def.IMAP.Port)
	v.SetDefault("imap.tls", def.IMAP.TLS)
	v.SetDefault("imap.folders", def.IMAP.Folders)
	v.SetDefault("imap.lookback_days", def.IMAP.LookbackDays)
	v.SetDefault("imap.batch_size", def.IMAP.BatchSize)
	v.SetDefault("imap.meta_chunk_size", def.IMAP.MetaChunkSize)
	v.SetDefault("store.base_url", def.Store.BaseURL)
	v.SetDefault("store.version", def.Store.Version)
	v.SetDefault("store.write_delay_ms", def.Store.WriteDelayMs)
	v.SetDefault("sync.poll_interval_sec", def.Sync.PollIntervalSec)
	v.SetDefault("sync.dedup_path", def.Sync.DedupPath)
	v.SetDefault("sync.dedup_cap", def.Sync.DedupCap)
	v.SetDefault("sync.cycle_timeout_sec", def.Sync.CycleTimeoutSec)
	v.SetDefault("attachments.dir", def.Attachments.Dir)
	v.SetDefault("filter.opt_out_marker", def.Filter.OptOutMarker)

	if err := v.ReadInConfig(); err != nil {
		switch err.(type) {
		case *os.PathError, viper.ConfigFileNotFoundError:
			// No file: defaults and environment overrides still apply.
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
