package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoType is returned for frames whose envelope has no "type".
var ErrNoType = errors.New("frame has no type")

// Frame is a decoded envelope plus the raw bytes handlers parse from.
type Frame struct {
	Type       string
	Data       []byte
	ReceivedAt time.Time
	Polled     bool // Produced by the fallback poller rather than the socket
}

// HandlerFunc applies a frame to channel state. A handler must fully parse
// the frame before mutating anything, so that a returned error leaves state
// untouched.
type HandlerFunc func(f Frame) error

// Stats contains runtime statistics.
type Stats struct {
	FramesReceived  int64
	FramesRouted    int64
	ParseErrors     int64
	HandlerErrors   int64
	UnknownMessages int64
}

// Router dispatches frames to handlers by their "type" field.
//
// Handlers are registered before use; Route may then be called from a
// single goroutine while Stats is read concurrently.
type Router struct {
	logger   *slog.Logger
	handlers map[string]HandlerFunc

	mu              sync.RWMutex
	received        int64
	routed          int64
	parseErrors     int64
	handlerErrors   int64
	unknownMessages int64
}

// New creates a Router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers h for frames of type typ, replacing any previous handler.
func (r *Router) Handle(typ string, h HandlerFunc) {
	r.handlers[typ] = h
}

// Handles reports whether a handler is registered for typ.
func (r *Router) Handles(typ string) bool {
	_, ok := r.handlers[typ]
	return ok
}

// Parse decodes the envelope of a raw frame.
func (r *Router) Parse(data []byte, receivedAt time.Time) (Frame, error) {
	typ, err := extractType(data)
	if err != nil {
		r.mu.Lock()
		r.received++
		r.parseErrors++
		r.mu.Unlock()
		return Frame{}, err
	}
	return Frame{Type: typ, Data: data, ReceivedAt: receivedAt}, nil
}

// Dispatch runs the handler registered for f.Type. It returns false for
// unknown types, which are skipped. Handler errors are logged and counted,
// never propagated: one bad frame must not affect later frames.
func (r *Router) Dispatch(f Frame) bool {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	h, ok := r.handlers[f.Type]
	if !ok {
		r.logger.Debug("skipping frame type", "type", f.Type)
		r.mu.Lock()
		r.unknownMessages++
		r.mu.Unlock()
		return false
	}

	if err := h(f); err != nil {
		r.logger.Warn("failed to apply frame", "type", f.Type, "error", err)
		r.mu.Lock()
		r.handlerErrors++
		r.mu.Unlock()
		return false
	}

	r.mu.Lock()
	r.routed++
	r.mu.Unlock()
	return true
}

// Route parses and dispatches a raw frame. It returns the frame type (empty
// when the envelope was malformed) and whether a handler applied it.
func (r *Router) Route(data []byte, receivedAt time.Time) (string, bool) {
	f, err := r.Parse(data, receivedAt)
	if err != nil {
		r.logger.Warn("failed to extract frame type", "error", err, "bytes", len(data))
		return "", false
	}
	return f.Type, r.Dispatch(f)
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		FramesReceived:  r.received,
		FramesRouted:    r.routed,
		ParseErrors:     r.parseErrors,
		HandlerErrors:   r.handlerErrors,
		UnknownMessages: r.unknownMessages,
	}
}

// extractType extracts the frame type without a full parse of the payload.
func extractType(data []byte) (string, error) {
	var envelope messageEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrNoType
	}
	return envelope.Type, nil
}

// Decode unmarshals a frame payload into v. Fields may sit at the top level
// of the frame or inside a "data" object; both are applied, "data" last.
func Decode(f Frame, v any) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}
	var env messageEnvelope
	if err := json.Unmarshal(f.Data, &env); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}
	if len(env.Data) > 0 && env.Data[0] == '{' {
		if err := json.Unmarshal(env.Data, v); err != nil {
			return fmt.Errorf("decode %s data: %w", f.Type, err)
		}
	}
	return nil
}
