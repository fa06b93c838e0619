package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nhle/mailmirror/internal/archive"
	"github.com/nhle/mailmirror/internal/attach"
	"github.com/nhle/mailmirror/internal/credential"
	"github.com/nhle/mailmirror/internal/dedup"
	"github.com/nhle/mailmirror/internal/filter"
	"github.com/nhle/mailmirror/internal/mailbox"
	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/records"
	"github.com/nhle/mailmirror/internal/sync"
)

func main() {
	configPath := flag.String("config", "mailmirror.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	_ = godotenv.Load()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	// Secrets may live in the OS keyring instead of the config file.
	cfg.IMAP.Password = credential.Lookup(
		cfg.IMAP.Password, credential.KeyIMAPPassword,
	)
	cfg.Store.Token = credential.Lookup(
		cfg.Store.Token, credential.KeyStoreToken,
	)

	if cfg.IMAP.Host == "" || cfg.IMAP.Username == "" {
		logger.Error("imap host and username must be configured")
		os.Exit(1)
	}
	if cfg.Store.Token == "" || cfg.Store.DatabaseID == "" {
		logger.Error("store token and database id must be configured")
		os.Exit(1)
	}

	mailClient := mailbox.NewClient(cfg.IMAP, logger)
	storeClient := records.NewClient(
		cfg.Store.BaseURL,
		cfg.Store.Token,
		cfg.Store.Version,
		cfg.Store.DatabaseID,
	)

	seen := dedup.Open(cfg.Sync.DedupPath, cfg.Sync.DedupCap, logger)

	pipeline := attach.New(
		cfg.Attachments.Dir,
		cfg.Attachments.PublicBaseURL,
		cfg.Store.UploadEnabled,
		storeClient,
		logger,
	)

	var archiver sync.Archiver
	if cfg.ArchivePath != "" {
		arc, err := archive.Open(cfg.ArchivePath)
		if err != nil {
			logger.Error("open archive", "error", err)
			os.Exit(1)
		}
		defer arc.Close()
		archiver = arc
	}

	dialer := sync.DialerFunc(
		func(ctx context.Context) (sync.MailSession, error) {
			return mailClient.Dial(ctx)
		},
	)

	runner := sync.New(
		cfg,
		dialer,
		storeClient,
		filter.NewRuleFilter(cfg.Filter),
		seen,
		pipeline,
		archiver,
		logger,
	)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	logger.Info("mailmirror starting",
		"host", cfg.IMAP.Host,
		"folders", cfg.IMAP.Folders,
		"poll_interval", cfg.PollInterval())

	if err := runner.Run(ctx); err != nil &&
		!errors.Is(err, context.Canceled) {
		logger.Error("sync loop stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("mailmirror stopped")
}
