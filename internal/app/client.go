package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"modchat/internal/api"
	"modchat/internal/logging"
	"modchat/internal/moderation"
	"modchat/internal/realtime"
	"modchat/internal/storage"
	"modchat/internal/tui"
)

// Console holds the wired components of one moderation console.
type Console struct {
	API        *api.Client
	Binder     *realtime.Binder
	Controller *moderation.Controller
	Journal    *storage.Store
	Logger     zerolog.Logger
}

// NewConsole wires the REST client, realtime binder, journal and session
// controller from cfg. Close releases what it opened.
func NewConsole(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Console, error) {
	client := api.NewClient(cfg.API.URL, &http.Client{Timeout: cfg.API.Timeout})
	client.SetUserAgent(UserAgent())
	binder := realtime.NewBinder(realtime.Config{
		Key:              cfg.Realtime.Key,
		Cluster:          cfg.Realtime.Cluster,
		Host:             cfg.Realtime.Host,
		ActivityTimeout:  cfg.Realtime.ActivityTimeout,
		PongTimeout:      cfg.Realtime.PongTimeout,
		HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
	}, client, logger.With().Str("component", "realtime").Logger())

	console := &Console{API: client, Binder: binder, Logger: logger}
	deps := moderation.Deps{
		Subscriber: binder,
		Commands:   client,
		Logger:     logger.With().Str("component", "moderation").Logger(),
	}
	if cfg.Journal.Path != "" {
		journal, err := openJournal(ctx, cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		console.Journal = journal
		deps.Journal = journal
	}
	console.Controller = moderation.New(deps, moderation.Options{
		BacklogLimit:  cfg.API.BacklogLimit,
		RetryBackoff:  moderation.Backoff{Initial: cfg.Retry.Initial, Max: cfg.Retry.Max},
		CommandLimit:  cfg.Commands.Limit,
		CommandWindow: cfg.Commands.Window,
	})
	return console, nil
}

func openJournal(ctx context.Context, path string) (*storage.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	journal, err := storage.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := journal.Migrate(ctx); err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return journal, nil
}

func (c *Console) Close() error {
	c.Controller.Close()
	return c.Journal.Close()
}

// RunConsole opens cfg.RoomID in the terminal console and blocks until the
// moderator leaves or ctx ends.
func RunConsole(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()
	logging.Init(logger)
	ctx = logging.WithLogger(ctx, logger)

	console, err := NewConsole(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer console.Close()

	logger.Info().Int64(logging.FieldRoomID, cfg.RoomID).Str("api", cfg.API.URL).Str("version", Version).Msg("starting console")
	deps := tui.Deps{Session: console.Controller, Directory: console.API}
	if console.Journal != nil {
		deps.History = console.Journal
	}
	return tui.Run(ctx, deps, cfg.RoomID, cfg.API.Token)
}
