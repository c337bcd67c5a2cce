package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/scrypster/relink/internal/breaker"
	"github.com/scrypster/relink/internal/config"
	"github.com/scrypster/relink/internal/engine"
	"github.com/scrypster/relink/internal/journal"
	"github.com/scrypster/relink/internal/ledger"
	"github.com/scrypster/relink/internal/notify"
	"github.com/scrypster/relink/internal/oracle"
	"github.com/scrypster/relink/internal/zotero"
	"github.com/scrypster/relink/pkg/types"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	ledger  *ledger.Store
	journal *journal.Journal
	engine  *engine.Engine
}

// openApp loads configuration and wires every component. needRemote
// commands fail early without Zotero credentials; read-only commands get a
// record store that reports the missing credentials if it is ever called.
func openApp(ctx context.Context, opts *rootOptions, needRemote bool) (*app, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if needRemote {
		if err := cfg.RequireZotero(); err != nil {
			return nil, err
		}
	}

	logger, err := newLogger(os.Stderr, cfg.Log, opts.Debug)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	a.ledger, err = ledger.New(ledger.Config{
		Path:      cfg.Ledger.Path,
		BackupDir: cfg.Ledger.BackupDir,
		Keep:      cfg.Ledger.Keep,
		LockWait:  cfg.Ledger.LockWait,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	var records engine.RecordStore = missingCredentials{err: cfg.RequireZotero()}
	if cfg.RequireZotero() == nil {
		records, err = zotero.NewClient(zotero.Config{
			BaseURL:     cfg.Zotero.BaseURL,
			APIKey:      cfg.Zotero.APIKey,
			LibraryType: cfg.Zotero.LibraryType,
			LibraryID:   cfg.Zotero.LibraryID,
			UserAgent:   "relink/" + Version,
			Timeout:     cfg.Zotero.Timeout,
			MinInterval: cfg.Zotero.MinInterval,
			MaxAttempts: cfg.Zotero.MaxAttempts,
			BaseDelay:   cfg.Zotero.BaseDelay,
			MaxDelay:    cfg.Zotero.MaxDelay,
			PageSize:    cfg.Zotero.PageSize,
			ContentType: cfg.Zotero.ContentType,
			Breaker:     newBreaker("zotero", logger),
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
	}

	bridge := oracle.NewScriptBridge(oracle.BridgeConfig{
		Application: cfg.Oracle.Application,
		Osascript:   cfg.Oracle.Osascript,
		Timeout:     cfg.Oracle.Timeout,
		Breaker:     newBreaker("devonthink", logger),
	})
	matcher, err := oracle.New(oracle.Config{
		Searcher:  bridge,
		Resolver:  bridge,
		CacheSize: cfg.Oracle.CacheSize,
		CacheTTL:  cfg.Oracle.CacheTTL,
		TermDelay: cfg.Oracle.TermDelay,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	ecfg := engine.Config{
		Records:       records,
		Oracle:        matcher,
		Store:         a.ledger,
		Scheme:        cfg.Oracle.Scheme,
		LookupWorkers: cfg.Engine.LookupWorkers,
		Logger:        logger.WithPrefix("engine"),
	}
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			// The journal is an audit trail only; the ledger stays authoritative.
			logger.Warn("journal unavailable, continuing without it", "path", cfg.Journal.Path, "error", err)
		} else {
			a.journal = j
			ecfg.Journal = j
		}
	}

	a.engine, err = engine.New(ecfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.engine.Open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the journal.
func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("failed to close journal", "error", err)
		}
	}
}

// notifyChanged tells a running "relink run" that the ledger changed under
// it. Nobody may be listening, so failures are only logged.
func (a *app) notifyChanged(source string) {
	if err := notify.NewWriter(a.cfg.Scheduler.RequestDir).Send(notify.TypeReload, source); err != nil {
		a.logger.Debug("failed to send reload request", "error", err)
	}
}

// newLogger builds the process logger from the log settings.
func newLogger(w io.Writer, cfg config.LogConfig, debug bool) (*log.Logger, error) {
	level := log.InfoLevel
	if cfg.Level != "" {
		parsed, err := log.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	if debug {
		level = log.DebugLevel
	}

	var formatter log.Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = log.TextFormatter
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("invalid log format %q: must be text, json or logfmt", cfg.Format)
	}

	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
	}), nil
}

func newBreaker(name string, logger *log.Logger) *breaker.Breaker {
	return breaker.New(breaker.Config{
		Name: name,
		OnStateChange: func(name, from, to string) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
		},
	})
}

// missingCredentials stands in for the Zotero client when no credentials
// are configured. Read-only commands never call it.
type missingCredentials struct{ err error }

func (m missingCredentials) ListCandidates(context.Context, zotero.ListFilter) ([]types.Reference, error) {
	return nil, m.err
}

func (m missingCredentials) Get(context.Context, string) (types.Reference, error) {
	return types.Reference{}, m.err
}

func (m missingCredentials) ParentTitle(context.Context, string) (string, error) {
	return "", m.err
}

func (m missingCredentials) Create(context.Context, string, string, string) (string, error) {
	return "", m.err
}

func (m missingCredentials) Delete(context.Context, string, int) error {
	return m.err
}
