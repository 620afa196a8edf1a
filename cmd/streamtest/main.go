// streamtest opens one realtime socket and prints every frame it receives.
// Usage: go run ./cmd/streamtest --config configs/auctionwatch.local.yaml --listing 42
//
// Exactly one of --listing, --conversation or --user selects the socket.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bidloop/realtime/internal/api"
	"github.com/bidloop/realtime/internal/config"
	"github.com/bidloop/realtime/internal/connection"
	"github.com/bidloop/realtime/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/auctionwatch.example.yaml", "path to config file")
	listing := flag.String("listing", "", "listing id (bidding socket)")
	conversation := flag.String("conversation", "", "conversation id (messaging socket)")
	user := flag.String("user", "", "user id (notification socket)")
	verbose := flag.Bool("verbose", false, "print full frame JSON")
	ping := flag.Duration("ping", 20*time.Second, "PING interval, 0 disables")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	origin, err := cfg.Origin()
	if err != nil {
		logger.Error("invalid api.base_url", "error", err)
		os.Exit(1)
	}

	var wsURL string
	switch {
	case *listing != "":
		wsURL = api.ChannelURL(origin, api.BiddingPath(*listing), nil)
	case *conversation != "":
		q := url.Values{}
		if cfg.API.UserID != "" {
			q.Set("user_id", cfg.API.UserID)
		}
		wsURL = api.ChannelURL(origin, api.MessagingPath(*conversation), q)
	case *user != "":
		wsURL = api.ChannelURL(origin, api.NotificationsPath(*user), nil)
	default:
		fmt.Fprintln(os.Stderr, "one of --listing, --conversation or --user is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	ccfg := connection.DefaultClientConfig()
	ccfg.URL = wsURL
	client := connection.NewClient(ccfg, logger)

	logger.Info("connecting", "url", wsURL)
	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if *ping > 0 {
		go func() {
			t := time.NewTicker(*ping)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if err := client.Send([]byte(`{"type":"PING"}`)); err != nil {
						logger.Warn("ping failed", "error", err)
					}
				}
			}
		}()
	}

	rtr := router.New(logger)
	counts := make(map[string]int)

	logger.Info("streaming started - press Ctrl+C to stop")
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown complete", "frames", counts)
			return
		case err := <-client.Errors():
			logger.Error("connection lost", "error", err, "frames", counts)
			os.Exit(1)
		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			f, err := rtr.Parse(msg.Data, msg.ReceivedAt)
			if err != nil {
				fmt.Printf("[INVALID] %s (%v)\n", msg.Data, err)
				continue
			}
			counts[f.Type]++
			printFrame(f, *verbose)
		}
	}
}

func printFrame(f router.Frame, verbose bool) {
	ts := f.ReceivedAt.Format("15:04:05.000")
	if !verbose {
		fmt.Printf("%s [%s] %d bytes\n", ts, f.Type, len(f.Data))
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, f.Data, "", "  "); err != nil {
		fmt.Printf("%s [%s] %s\n", ts, f.Type, f.Data)
		return
	}
	fmt.Printf("%s [%s] %s\n", ts, f.Type, buf.String())
}
