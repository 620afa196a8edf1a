// auctionwatch follows live auction listings (and optionally a conversation
// and the user's notification feed), logs state changes and notices, and
// optionally records every update into Postgres.
//
// Usage:
//
//	auctionwatch --config configs/auctionwatch.yaml --listing 42 --listing 43 --conversation 7
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bidloop/realtime/internal/api"
	"github.com/bidloop/realtime/internal/bidding"
	"github.com/bidloop/realtime/internal/config"
	"github.com/bidloop/realtime/internal/connection"
	"github.com/bidloop/realtime/internal/database"
	"github.com/bidloop/realtime/internal/logging"
	"github.com/bidloop/realtime/internal/messaging"
	"github.com/bidloop/realtime/internal/metrics"
	"github.com/bidloop/realtime/internal/notify"
	"github.com/bidloop/realtime/internal/prefs"
	"github.com/bidloop/realtime/internal/router"
	"github.com/bidloop/realtime/internal/version"
	"github.com/bidloop/realtime/internal/writer"
)

// listFlag collects a repeatable or comma-separated flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

func main() {
	var listings listFlag
	configPath := flag.String("config", "configs/auctionwatch.yaml", "path to config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	conversation := flag.String("conversation", "", "conversation id to follow")
	withNotify := flag.Bool("notify", false, "follow the user's notification feed (requires api.user_id)")
	flag.Var(&listings, "listing", "listing id to follow (repeatable)")
	flag.Parse()

	if err := run(*configPath, *envFile, listings, *conversation, *withNotify); err != nil {
		fmt.Fprintln(os.Stderr, "auctionwatch:", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string, listings []string, conversation string, withNotify bool) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return err
	}
	if err := checkTargets(listings, conversation, withNotify, cfg.API.UserID); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := prefs.New(cfg.Prefs)
	if err != nil {
		return err
	}
	defer store.Close()
	cfg.Debug = cfg.Debug || prefs.DebugEnabled(ctx, store)

	log, err := logging.Init(cfg.Logging, logging.Options{
		Service:    cfg.Instance.Service,
		Version:    version.Version,
		InstanceID: cfg.Instance.ID,
		Debug:      cfg.Debug,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()
	logger := log.Logger

	logger.Info("starting auctionwatch",
		"version", version.String(),
		"config", configPath,
		"listings", listings,
		"conversation", conversation,
		"debug", cfg.Debug,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	origin, err := cfg.Origin()
	if err != nil {
		return err
	}
	m := metrics.New()
	apiClient := api.NewClient(cfg.API.BaseURL, cfg.API.Token, append(cfg.APIOptions(), api.WithLogger(logger))...)

	// Recorder
	var (
		db        pinger
		bidWriter *writer.BidWriter
		msgWriter *writer.MessageWriter
	)
	if cfg.Recorder.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Recorder.Database.Host,
			"port", cfg.Recorder.Database.Port,
			"database", cfg.Recorder.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Recorder.Database)
		if err != nil {
			return fmt.Errorf("connect recorder database: %w", err)
		}
		defer pool.Close()
		if err := writer.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		db = pool

		wcfg := writer.ConfigFrom(cfg.Recorder)
		bidWriter = writer.NewBidWriter(wcfg, pool, logger)
		bidWriter.SetObserver(m)
		msgWriter = writer.NewMessageWriter(wcfg, pool, logger)
		msgWriter.SetObserver(m)
		bidWriter.Start(ctx)
		msgWriter.Start(ctx)
	}

	// Channels
	var (
		chans []watched
		wg    sync.WaitGroup
	)
	closers := []func() error{}
	// Every channel created so far is closed when one fails to start.
	startFailed := func(err error) error {
		for _, c := range closers {
			c()
		}
		wg.Wait()
		return err
	}

	for _, id := range listings {
		id := id // per-iteration copy: go.mod targets go1.21 loop semantics
		ch := bidding.New(bidding.Config{
			Origin:    origin,
			ListingID: id,
			UserID:    cfg.API.UserID,
			Session:   cfg.Session("bidding/"+id, cfg.Bidding),
		}, apiClient, logger, connection.WithObserver(m))

		wg.Add(1)
		go func() {
			defer wg.Done()
			consume(ch.Events(), logger.With("listing_id", id), func(ev connection.Event) {
				snap := ch.Snapshot()
				remaining, _ := ch.Remaining()
				logger.Info("bid state",
					"listing_id", id,
					"price", snap.CurrentPrice.StringFixed(2),
					"bids", snap.BidCount,
					"status", snap.BidStatus,
					"remaining", remaining.Round(time.Second),
					"source", snap.Source,
				)
				if bidWriter != nil {
					bidWriter.Write(snap)
				}
			})
		}()

		closers = append(closers, ch.Close)
		if err := ch.Start(ctx); err != nil {
			return startFailed(fmt.Errorf("start bidding %s: %w", id, err))
		}
		chans = append(chans, ch)
	}

	if conversation != "" {
		ch := messaging.New(messaging.Config{
			Origin:         origin,
			ConversationID: conversation,
			UserID:         cfg.API.UserID,
			Session:        cfg.Session("messaging", cfg.Messaging),
		}, logger, connection.WithObserver(m))

		wg.Add(1)
		go func() {
			defer wg.Done()
			consume(ch.Events(), logger.With("conversation_id", conversation), func(ev connection.Event) {
				th := ch.Thread()
				logger.Info("thread state",
					"conversation_id", conversation,
					"messages", len(th.Messages),
					"unread", th.UnreadCount,
					"other_online", th.OtherUserOnline,
					"other_typing", th.OtherUserTyping,
				)
				if msgWriter != nil && (ev.FrameType == router.TypeNewMessage || ev.FrameType == router.TypeMessageSent) {
					msgWriter.WriteThread(conversation, th, ev.At)
				}
			})
		}()

		closers = append(closers, ch.Close)
		if err := ch.Start(ctx); err != nil {
			return startFailed(fmt.Errorf("start messaging %s: %w", conversation, err))
		}
		chans = append(chans, ch)
	}

	if withNotify {
		feed := notify.New(notify.Config{
			Origin:  origin,
			UserID:  cfg.API.UserID,
			Session: cfg.Session("notify", cfg.Notify),
		}, logger, connection.WithObserver(m))

		wg.Add(1)
		go func() {
			defer wg.Done()
			consume(feed.Events(), logger, func(connection.Event) {
				logger.Info("unread messages", "total", feed.Unread().Total)
			})
		}()

		closers = append(closers, feed.Close)
		if err := feed.Start(ctx); err != nil {
			return startFailed(fmt.Errorf("start notify: %w", err))
		}
		chans = append(chans, feed)
	}

	// HTTP surface
	var server *http.Server
	if cfg.Metrics.Enabled {
		server = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           newHandler(func() []watched { return chans }, cfg.Metrics.Path, m.Handler(), db, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("starting health server", "addr", cfg.Metrics.Addr)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	logger.Info("auctionwatch running", "channels", len(chans))

	<-ctx.Done()

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if server != nil {
		server.Shutdown(shutdownCtx)
	}
	for _, c := range closers {
		c()
	}
	wg.Wait()

	if bidWriter != nil {
		bidWriter.Stop(shutdownCtx)
		msgWriter.Stop(shutdownCtx)
	}

	logger.Info("auctionwatch stopped")
	return nil
}

// checkTargets validates the command line before anything is started.
func checkTargets(listings []string, conversation string, withNotify bool, userID string) error {
	if len(listings) == 0 && conversation == "" && !withNotify {
		return errors.New("nothing to follow: pass --listing, --conversation or --notify")
	}
	if withNotify && userID == "" {
		return errors.New("--notify requires api.user_id")
	}
	return nil
}

// consume logs status changes and notices and passes update events to
// onUpdate until the channel is closed.
func consume(events <-chan connection.Event, logger *slog.Logger, onUpdate func(connection.Event)) {
	for ev := range events {
		switch ev.Type {
		case connection.EventStatus:
			logger.Info("channel status", "channel", ev.Channel, "status", ev.Status)
		case connection.EventNotice:
			level := slog.LevelInfo
			if ev.Notice.Kind == connection.NoticeRealtimeUnavailable || ev.Notice.Kind == connection.NoticeServerError {
				level = slog.LevelWarn
			}
			logger.Log(context.Background(), level, ev.Notice.Message, "channel", ev.Channel, "kind", ev.Notice.Kind)
		case connection.EventUpdate:
			onUpdate(ev)
		}
	}
}
