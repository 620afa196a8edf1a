package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bidloop/realtime/internal/router"
)

// FetchFunc fetches the current entity state over REST and renders it as a
// frame, so that poll results flow through the same handlers as pushes.
type FetchFunc func(ctx context.Context) (router.Frame, error)

// ResultHandler receives fetched frames. ctx is cancelled when the poller
// stops; implementations that block must honour it.
type ResultHandler interface {
	HandlePoll(ctx context.Context, f router.Frame)
}

// ResultHandlerFunc is a function adapter for ResultHandler.
type ResultHandlerFunc func(context.Context, router.Frame)

func (f ResultHandlerFunc) HandlePoll(ctx context.Context, fr router.Frame) {
	f(ctx, fr)
}

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Poll interval (default: 3s)
	Timeout  time.Duration // Per-request timeout (default: 5s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 3 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Running bool
	Starts  int64
	Polls   int64
	Errors  int64
}

// Poller periodically fetches entity state while the realtime socket is
// unavailable. Start and Stop are idempotent and may be toggled freely; at
// most one polling goroutine exists at any time.
type Poller struct {
	cfg     Config
	fetch   FetchFunc
	handler ResultHandler
	logger  *slog.Logger
	clock   clock.Clock

	// OnPoll, when set, observes every completed fetch.
	OnPoll func(err error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	starts  int64
	polls   int64
	errors  int64
}

// New creates a new Poller.
func New(cfg Config, fetch FetchFunc, handler ResultHandler, clk clock.Clock, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Poller{
		cfg:     cfg,
		fetch:   fetch,
		handler: handler,
		logger:  logger,
		clock:   clk,
	}
}

// Start begins the polling loop. It is a no-op if already running.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.starts++

	go p.run(runCtx, p.done)

	p.logger.Info("fallback poller started", "interval", p.cfg.Interval)

	return nil
}

// Stop halts the polling loop and waits for it to exit, up to ctx. It is a
// no-op if not running.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		p.logger.Info("fallback poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the polling loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns current statistics.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Running: p.running,
		Starts:  p.starts,
		Polls:   p.polls,
		Errors:  p.errors,
	}
}

// run is the main polling loop.
func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := p.clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce fetches and hands off a single result.
func (p *Poller) pollOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	f, err := p.fetch(reqCtx)

	p.mu.Lock()
	p.polls++
	if err != nil {
		p.errors++
	}
	p.mu.Unlock()

	if p.OnPoll != nil {
		p.OnPoll(err)
	}

	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("fallback poll failed", "error", err)
		}
		return
	}

	f.Polled = true
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = p.clock.Now()
	}
	if p.handler != nil {
		p.handler.HandlePoll(ctx, f)
	}
}
