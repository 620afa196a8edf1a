package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bidloop/realtime/internal/connection"
	"github.com/bidloop/realtime/internal/version"
)

// watched is any realtime channel the process follows.
type watched interface {
	Stats() connection.SessionStats
}

// pinger is the recorder database, when enabled.
type pinger interface {
	Ping(ctx context.Context) error
}

type channelView struct {
	Channel     string `json:"channel"`
	Status      string `json:"status"`
	Attempt     int    `json:"attempt"`
	Exhausted   bool   `json:"reconnect_exhausted"`
	Polling     bool   `json:"polling"`
	LastPongAt  string `json:"last_pong_at,omitempty"`
	Frames      int64  `json:"frames_received"`
	ParseErrors int64  `json:"parse_errors"`
	Polls       int64  `json:"polls"`
}

func viewOf(s connection.SessionStats) channelView {
	v := channelView{
		Channel:     s.Channel,
		Status:      s.State.Status.String(),
		Attempt:     s.State.Attempt,
		Exhausted:   s.State.Exhausted,
		Polling:     s.State.Polling,
		Frames:      s.Router.FramesReceived,
		ParseErrors: s.Router.ParseErrors,
		Polls:       s.Poller.Polls,
	}
	if !s.State.LastPongAt.IsZero() {
		v.LastPongAt = s.State.LastPongAt.UTC().Format(time.RFC3339)
	}
	return v
}

// newHandler builds the HTTP surface: /health, the metrics path and
// /debug/channels.
func newHandler(channels func() []watched, metricsPath string, metricsHandler http.Handler, db pinger, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Version    version.Info   `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]any),
		}

		for _, ch := range channels() {
			s := ch.Stats()
			health.Components[s.Channel] = s.State.Status.String()
			if s.State.Status != connection.StatusHealthy && health.Status == "healthy" {
				// Polling keeps data flowing while the socket recovers.
				health.Status = "degraded"
			}
		}

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["recorder"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["recorder"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Debug("write health response", "error", err)
		}
	})

	r.Get("/debug/channels", func(w http.ResponseWriter, req *http.Request) {
		chs := channels()
		views := make([]channelView, 0, len(chs))
		for _, ch := range chs {
			views = append(views, viewOf(ch.Stats()))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":    len(views),
			"channels": views,
		})
	})

	if metricsHandler != nil {
		r.Handle(metricsPath, metricsHandler)
	}

	return r
}
