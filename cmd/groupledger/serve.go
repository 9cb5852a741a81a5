package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"group_ledger/internal/bot"
	"group_ledger/internal/telegram"
	"group_ledger/internal/webhook"

	"github.com/google/subcommands"
	"go.uber.org/zap"
)

type serveCmd struct {
	addr     string
	noPoll   bool
	noServer bool
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the ledger bot (telegram listener and webhook server)" }
func (*serveCmd) Usage() string {
	return `groupledger serve [-addr <host:port>] [-no-poll] [-no-http]

  Restores positions and active votes from the record store, then answers
  chat commands from Telegram (when TELEGRAM_BOT_TOKEN is set) and from
  POST /api/webhook until interrupted.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "", "listen address, overrides HTTP_ADDR")
	f.BoolVar(&c.noPoll, "no-poll", false, "do not long-poll Telegram even when a token is set")
	f.BoolVar(&c.noServer, "no-http", false, "do not start the webhook server")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, log, cleanup, err := setup(false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer cleanup()
	if c.addr != "" {
		cfg.HTTPAddr = c.addr
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tg *telegram.Client
	var extra []bot.Option
	if cfg.TelegramToken != "" && !c.noPoll {
		tg = telegram.New(cfg.TelegramToken,
			telegram.WithBaseURL(cfg.TelegramAPIURL),
			telegram.WithAllowedChats(cfg.TelegramAllowedChats...),
			telegram.WithLogger(log.Named("telegram")),
		)
		extra = append(extra, bot.WithNameResolver(tg), bot.WithMemberCounter(tg))
	}

	a, err := newApp(ctx, cfg, log, extra...)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	log.Info(fmt.Sprintf("Group Ledger %s initialized", readVersion()),
		zap.String("store", a.store.Name()),
		zap.Int("instruments", a.dir.Len()),
		zap.Bool("telegram", tg != nil),
		zap.Bool("http", !c.noServer))

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.dir.Run(ctx)
	}()

	if tg != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tg.Listen(ctx, telegramHandler(a.bot)); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("telegram listener: %w", err)
			}
		}()
	}

	if !c.noServer {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := webhook.NewHandler(a.bot, cfg.WebhookSecret, log.Named("webhook"))
			if err := webhook.Serve(ctx, cfg.HTTPAddr, h); err != nil {
				errs <- fmt.Errorf("webhook server: %w", err)
			}
		}()
	}

	status := subcommands.ExitSuccess
	select {
	case <-ctx.Done():
		log.Info("⚠️ Group Ledger shutting down: system signal received")
	case err := <-errs:
		log.Error("🛑 component failed, shutting down", zap.Error(err))
		status = subcommands.ExitFailure
	}
	stop()
	wg.Wait()
	log.Info("🛑 Group Ledger stopped")
	return status
}

// telegramHandler adapts the bot to the Telegram listener. Member counts are
// left to the bot, which asks Telegram through its MemberCounter.
func telegramHandler(b *bot.Bot) telegram.Handler {
	return func(ctx context.Context, in telegram.Inbound) telegram.Reply {
		r := b.HandleReply(ctx, bot.Request{
			UserID:      in.UserID,
			GroupID:     in.GroupID,
			DisplayName: in.DisplayName,
			Text:        in.Text,
			Private:     in.Private,
		})
		return telegram.Reply{Text: r.Text, VoteID: r.VoteID}
	}
}
