package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"group_ledger/internal/bot"
	"group_ledger/internal/config"
	"group_ledger/internal/directory"
	"group_ledger/internal/ledger"
	"group_ledger/internal/logger"
	"group_ledger/internal/market"
	"group_ledger/internal/market/alpaca"
	"group_ledger/internal/market/twse"
	"group_ledger/internal/parser"
	"group_ledger/internal/storage"
	"group_ledger/internal/storage/kafka"
	"group_ledger/internal/storage/postgres"
	"group_ledger/internal/voting"

	"go.uber.org/zap"
)

// setup loads configuration and builds the process logger. quiet raises the
// level to WARN so one-shot commands print only their result.
func setup(quiet bool) (*config.Config, *zap.Logger, func(), error) {
	cfg, err := config.Load(*envFile)
	if err != nil {
		return nil, nil, nil, err
	}
	level := cfg.LogLevel
	if quiet && (level == "DEBUG" || level == "INFO") {
		level = "WARN"
	}
	log, cleanup, err := logger.Setup(cfg.LogFile, cfg.MaxLogSizeMB, cfg.MaxLogBackups, level)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, cleanup, nil
}

// app is the wired ledger: stores, directory, prices and the bot on top.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  storage.Store
	dir    *directory.Directory
	prices *market.Cached
	ledger *ledger.Ledger
	votes  *voting.Engine
	bot    *bot.Bot
}

// openStore picks Postgres when DATABASE_URL is set, the state directory
// otherwise, and fans writes out to Kafka when brokers are configured.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	var primary storage.Store
	if cfg.DatabaseURL != "" {
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		primary = pg
	} else {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state dir: %w", err)
		}
		fs, err := storage.OpenFileStore(cfg.StateDir, log)
		if err != nil {
			return nil, err
		}
		primary = fs
	}

	var sinks []storage.Recorder
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	store := storage.NewMulti(primary, sinks...)
	log.Info("record store ready", zap.String("store", store.Name()))
	return store, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger, extra ...bot.Option) (*app, error) {
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, store: store}

	dirOpts := []directory.Option{directory.WithTTL(cfg.DirectoryTTL), directory.WithLogger(log.Named("directory"))}
	var providers []market.PriceProvider
	var tw *twse.Client
	if cfg.TWSEEnabled {
		tw = twse.New()
		dirOpts = append(dirOpts, directory.WithSource(tw))
		providers = append(providers, tw)
	}
	if cfg.AlpacaEnabled() {
		ap := alpaca.NewProvider(alpaca.Credentials{
			KeyID:     cfg.AlpacaKeyID,
			SecretKey: cfg.AlpacaSecretKey,
			BaseURL:   cfg.AlpacaBaseURL,
		})
		dirOpts = append(dirOpts, directory.WithLookup(ap))
		providers = append(providers, ap)
	}
	if tw != nil {
		// last resort: the previous session's close
		providers = append(providers, market.PriceFunc(tw.ClosingPrice))
	}
	a.dir = directory.New(dirOpts...)

	botOpts := []bot.Option{
		bot.WithRecorder(store),
		bot.WithResolver(a.dir),
		bot.WithDirectory(a.dir),
		bot.WithLogger(log.Named("bot")),
		bot.WithDefaultMemberCount(cfg.DefaultMemberCount),
		bot.WithReplyLimit(cfg.ReplyLimit),
		bot.WithLotSize(cfg.LotSize),
	}
	if len(providers) > 0 {
		var chain market.PriceProvider = market.NewChain(log.Named("prices"), providers...)
		if cfg.PriceCacheTTL > 0 {
			cached, err := market.NewCached(chain, cfg.PriceCacheTTL)
			if err != nil {
				store.Close()
				return nil, err
			}
			a.prices = cached
			chain = cached
		}
		botOpts = append(botOpts, bot.WithPrices(chain))
	}

	a.ledger = ledger.New()
	a.votes = voting.New(a.ledger,
		voting.WithTTL(cfg.VoteTTL),
		voting.WithPolicy(voting.Policy{MinQuorum: cfg.MinQuorum, RejectExtra: cfg.RejectExtraVotes}),
	)
	if err := a.restore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	p := parser.New(a.dir, parser.WithLotSize(cfg.LotSize), parser.WithRequireUnit(cfg.RequireUnitMarker))
	a.bot = bot.New(p, a.ledger, a.votes, append(botOpts, extra...)...)
	return a, nil
}

// restore rebuilds memory from the primary store.
func (a *app) restore(ctx context.Context) error {
	positions, err := a.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}
	votes, err := a.store.LoadActiveVotes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load votes: %w", err)
	}
	a.log.Info("state restored",
		zap.Int("positions", a.ledger.Restore(positions)),
		zap.Int("active_votes", a.votes.Restore(votes)))
	return nil
}

func (a *app) Close() error {
	if a.prices != nil {
		a.prices.Close()
	}
	return a.store.Close()
}

// fileStore opens the state directory directly, for commands that read the
// transaction log.
func fileStore(cfg *config.Config, log *zap.Logger) (*storage.FileStore, error) {
	if _, err := os.Stat(filepath.Join(cfg.StateDir, storage.StateFile)); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no ledger state in %s", cfg.StateDir)
	}
	return storage.OpenFileStore(cfg.StateDir, log)
}
