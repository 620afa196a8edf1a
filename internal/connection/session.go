package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bidloop/realtime/internal/poller"
	"github.com/bidloop/realtime/internal/router"
)

// Observer receives session lifecycle signals. Implementations must be safe
// for concurrent use: PollCompleted runs on the poller goroutine, the rest on
// the session loop.
type Observer interface {
	StatusChanged(channel string, from, to Status)
	ReconnectScheduled(channel string, attempt int, delay time.Duration)
	ReconnectExhausted(channel string)
	FrameRouted(channel, frameType string, applied bool)
	FrameDropped(channel, reason string)
	PollCompleted(channel string, err error)
}

type nopObserver struct{}

func (nopObserver) StatusChanged(string, Status, Status)          {}
func (nopObserver) ReconnectScheduled(string, int, time.Duration) {}
func (nopObserver) ReconnectExhausted(string)                     {}
func (nopObserver) FrameRouted(string, string, bool)              {}
func (nopObserver) FrameDropped(string, string)                   {}
func (nopObserver) PollCompleted(string, error)                   {}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the time source used for timers and heartbeat bookkeeping.
func WithClock(clk clock.Clock) SessionOption {
	return func(s *Session) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithObserver sets the lifecycle observer (metrics).
func WithObserver(o Observer) SessionOption {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClientFactory overrides how transports are built.
func WithClientFactory(f ClientFactory) SessionOption {
	return func(s *Session) {
		if f != nil {
			s.newClient = f
		}
	}
}

// WithPoll enables the fallback poller with the given fetch function.
func WithPoll(fetch poller.FetchFunc) SessionOption {
	return func(s *Session) {
		s.pollFetch = fetch
	}
}

// SessionStats is a diagnostic snapshot of a session.
type SessionStats struct {
	Channel string
	State   State
	Router  router.Stats
	Poller  poller.Stats
}

// Session owns one realtime channel: the socket, its heartbeat, the
// reconnect schedule and the fallback poller.
//
// All state transitions happen on a single loop goroutine. Socket readers,
// timers and the poller only post events to it. Close cancels every timer
// and waits for the loop to exit; nothing runs afterwards.
type Session struct {
	cfg       SessionConfig
	logger    *slog.Logger
	clock     clock.Clock
	observer  Observer
	newClient ClientFactory
	router    *router.Router
	pollFetch poller.FetchFunc
	poller    *poller.Poller

	ctx    context.Context
	cancel context.CancelFunc

	events   chan any
	out      chan Event
	done     chan struct{}
	loopDone chan struct{}

	startMu   sync.Mutex
	started   bool
	closeOnce sync.Once

	timersMu sync.Mutex
	timers   map[*timerHandle]struct{}

	// Loop-owned.
	sock         *socket
	gen          uint64
	status       Status
	attempt      int
	exhausted    bool
	lostNotified bool
	lastPongAt   time.Time
	retrySeq     uint64
	cancelRetry  func()
	cancelPing   func()
	cancelBeat   func()

	// Published copies for readers on other goroutines.
	mu      sync.RWMutex
	state   State
	current Client
}

type socket struct {
	client Client
	gen    uint64
	open   bool
	stop   chan struct{}
}

type timerHandle struct {
	t *clock.Timer
}

type dialResult struct {
	gen uint64
	err error
}

type frameEvent struct {
	gen uint64
	msg TimestampedMessage
}

type lostEvent struct {
	gen uint64
	err error
}

type pollEvent struct {
	frame router.Frame
}

type callEvent struct {
	fn func()
}

// NewSession creates a Session. Register frame handlers with Handle before
// calling Start.
func NewSession(cfg SessionConfig, opts ...SessionOption) *Session {
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = DefaultSessionConfig().EventBufferSize
	}
	if cfg.Name == "" {
		cfg.Name = DefaultSessionName
	}

	s := &Session{
		cfg:       cfg,
		logger:    slog.Default(),
		clock:     clock.New(),
		observer:  nopObserver{},
		newClient: NewClient,
		events:    make(chan any, 256),
		out:       make(chan Event, cfg.EventBufferSize),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		timers:    make(map[*timerHandle]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("channel", cfg.Name)
	s.router = router.New(s.logger)

	s.router.Handle(router.TypeHeartbeat, func(router.Frame) error { return nil })
	s.router.Handle(router.TypePong, func(router.Frame) error { return nil })
	s.router.Handle(router.TypeConnectionEstablished, func(router.Frame) error {
		s.logger.Debug("connection established")
		return nil
	})
	s.router.Handle(router.TypeError, s.handleErrorFrame)

	if s.pollFetch != nil {
		s.poller = poller.New(poller.Config{
			Interval: cfg.PollInterval,
			Timeout:  cfg.PollTimeout,
		}, s.pollFetch, poller.ResultHandlerFunc(s.postPoll), s.clock, s.logger)
		s.poller.OnPoll = func(err error) { s.observer.PollCompleted(s.cfg.Name, err) }
	}

	return s
}

// Name returns the channel name.
func (s *Session) Name() string {
	return s.cfg.Name
}

// Clock returns the session's time source.
func (s *Session) Clock() clock.Clock {
	return s.clock
}

// Handle registers a frame handler. It must be called before Start.
func (s *Session) Handle(typ string, h router.HandlerFunc) {
	s.router.Handle(typ, h)
}

// Events returns the channel of status, update and notice events. It is
// closed by Close.
func (s *Session) Events() <-chan Event {
	return s.out
}

// Start launches the loop and dials. Start may be called once.
func (s *Session) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.closing() {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	go s.run()
	s.post(callEvent{fn: s.connect})

	s.logger.Info("realtime session started",
		"url", s.cfg.Client.URL,
		"ping_interval", s.cfg.PingInterval,
		"fallback_poll", s.poller != nil,
	)

	return nil
}

// Connect dials if no socket is open or being dialed. A pending reconnect
// timer is superseded.
func (s *Session) Connect() error {
	return s.Do(s.connect)
}

// Close tears the session down: timers are cancelled, the socket and poller
// are closed and the status is forced to disconnected. Close is idempotent.
//
// Close waits for the loop to exit, so it must not be called from code
// running on the loop (frame handlers, Do and Schedule callbacks). Those
// should call it from a new goroutine: go s.Close().
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.startMu.Lock()
		started := s.started
		close(s.done)
		s.startMu.Unlock()

		if started {
			s.cancel()
			<-s.loopDone
		}
		s.stopTimers()
		close(s.out)
	})
	return nil
}

// Send marshals v and writes it to the open socket without waiting for any
// acknowledgement.
func (s *Session) Send(v any) error {
	if s.closing() {
		return ErrClosed
	}
	s.mu.RLock()
	c := s.current
	s.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := c.Send(data); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// Do runs fn on the session loop.
func (s *Session) Do(fn func()) error {
	if !s.post(callEvent{fn: fn}) {
		return ErrClosed
	}
	return nil
}

// Schedule runs fn on the session loop after d. The returned func cancels
// it. Timers still pending at Close never run.
func (s *Session) Schedule(d time.Duration, fn func()) (cancel func()) {
	h := &timerHandle{}

	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	if s.closing() {
		return func() {}
	}

	h.t = s.clock.AfterFunc(d, func() {
		s.timersMu.Lock()
		_, live := s.timers[h]
		delete(s.timers, h)
		s.timersMu.Unlock()

		if live {
			s.post(callEvent{fn: fn})
		}
	})
	s.timers[h] = struct{}{}

	return func() {
		s.timersMu.Lock()
		delete(s.timers, h)
		s.timersMu.Unlock()
		h.t.Stop()
	}
}

// Notify emits a notice. It must be called from the session loop (frame
// handlers and Do/Schedule callbacks).
func (s *Session) Notify(kind NoticeKind, message string) {
	s.emit(Event{Type: EventNotice, Notice: Notice{Kind: kind, Message: message, At: s.clock.Now()}})
}

// State returns a copy of the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	st.Polling = s.poller != nil && s.poller.Running()
	return st
}

// Stats returns diagnostics for the session.
func (s *Session) Stats() SessionStats {
	stats := SessionStats{
		Channel: s.cfg.Name,
		State:   s.State(),
		Router:  s.router.Stats(),
	}
	if s.poller != nil {
		stats.Poller = s.poller.Stats()
	}
	return stats
}

func (s *Session) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// post hands an event to the loop. It returns false once the session is
// closed.
func (s *Session) post(ev any) bool {
	if s.closing() {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-s.loopDone:
		return false
	}
}

// postPoll forwards poller results, giving up when the poller stops.
func (s *Session) postPoll(ctx context.Context, f router.Frame) {
	select {
	case s.events <- pollEvent{frame: f}:
	case <-ctx.Done():
	case <-s.done:
	}
}

// run is the session loop.
func (s *Session) run() {
	defer close(s.loopDone)

	for {
		select {
		case <-s.done:
			s.shutdown()
			return
		case <-s.ctx.Done():
			s.shutdown()
			return
		case ev := <-s.events:
			if s.closing() {
				s.shutdown()
				return
			}
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case dialResult:
		s.onDial(ev)
	case frameEvent:
		s.onFrame(ev)
	case lostEvent:
		s.onLost(ev)
	case pollEvent:
		s.onPoll(ev)
	case callEvent:
		ev.fn()
	}
}

// connect dials a new socket unless one is open or pending.
func (s *Session) connect() {
	if s.sock != nil {
		return
	}
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
		s.retrySeq++
	}

	s.gen++
	sock := &socket{
		client: s.newClient(s.cfg.Client, s.logger),
		gen:    s.gen,
		stop:   make(chan struct{}),
	}
	s.sock = sock
	s.setStatus(StatusConnecting)

	ctx := s.ctx
	go func() {
		err := sock.client.Connect(ctx)
		s.post(dialResult{gen: sock.gen, err: err})
	}()
}

func (s *Session) onDial(ev dialResult) {
	if s.sock == nil || ev.gen != s.sock.gen {
		s.observer.FrameDropped(s.cfg.Name, "stale_dial")
		return
	}

	if ev.err != nil {
		s.logger.Warn("websocket dial failed", "attempt", s.attempt, "error", ev.err)
		s.dropSocket()
		s.lost(ev.err)
		return
	}

	sock := s.sock
	sock.open = true
	s.attempt = 0
	s.exhausted = false
	s.lastPongAt = s.clock.Now()

	s.mu.Lock()
	s.current = sock.client
	s.mu.Unlock()
	s.publish()

	go s.forward(sock)
	s.armPing(sock.gen)
	s.armHeartbeat(sock.gen, s.cfg.HeartbeatTimeout())

	s.logger.Info("websocket open", "gen", sock.gen)

	if s.lostNotified {
		s.lostNotified = false
		s.Notify(NoticeReconnected, "live updates restored")
	}
}

func (s *Session) onFrame(ev frameEvent) {
	if s.sock == nil || ev.gen != s.sock.gen {
		s.observer.FrameDropped(s.cfg.Name, "stale_socket")
		return
	}

	f, err := s.router.Parse(ev.msg.Data, ev.msg.ReceivedAt)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "error", err, "bytes", len(ev.msg.Data))
		s.observer.FrameDropped(s.cfg.Name, "malformed")
		return
	}

	if s.cfg.Debug {
		s.logger.Info("frame received", "type", f.Type, "bytes", len(f.Data))
	}

	switch f.Type {
	case router.TypeHeartbeat, router.TypePong, router.TypeConnectionEstablished:
		s.lastPongAt = s.clock.Now()
		s.armHeartbeat(s.sock.gen, s.cfg.HeartbeatTimeout())
		s.publish()
	}
	if s.status != StatusHealthy {
		s.setStatus(StatusHealthy)
	}

	applied := s.router.Dispatch(f)
	s.observer.FrameRouted(s.cfg.Name, f.Type, applied)
	if applied && !isControlFrame(f.Type) {
		s.emit(Event{Type: EventUpdate, FrameType: f.Type})
	}
}

func (s *Session) onLost(ev lostEvent) {
	if s.sock == nil || ev.gen != s.sock.gen {
		return
	}
	s.logger.Warn("websocket closed", "error", ev.err)
	s.dropSocket()
	s.lost(ev.err)
}

func (s *Session) onPoll(ev pollEvent) {
	// A push socket took over while the request was in flight.
	if s.status == StatusHealthy {
		s.observer.FrameDropped(s.cfg.Name, "stale_poll")
		return
	}
	applied := s.router.Dispatch(ev.frame)
	s.observer.FrameRouted(s.cfg.Name, ev.frame.Type, applied)
	if applied {
		s.emit(Event{Type: EventUpdate, FrameType: ev.frame.Type})
	}
}

// lost moves to disconnected and schedules the next retry.
func (s *Session) lost(err error) {
	s.setStatus(StatusDisconnected)
	if !s.lostNotified && !s.exhausted {
		s.lostNotified = true
		s.Notify(NoticeConnectionLost, "connection lost, reconnecting")
	}
	s.scheduleReconnect()
}

// scheduleReconnect arms the single retry timer, or gives up when the
// attempt budget is spent.
func (s *Session) scheduleReconnect() {
	if s.cancelRetry != nil {
		return
	}

	if s.cfg.Reconnect.Exhausted(s.attempt) {
		if !s.exhausted {
			s.exhausted = true
			s.publish()
			s.observer.ReconnectExhausted(s.cfg.Name)
			s.logger.Error("reconnect attempts exhausted, relying on fallback polling",
				"attempts", s.attempt,
			)
			s.Notify(NoticeRealtimeUnavailable, "live updates unavailable")
		}
		return
	}

	delay := s.cfg.Reconnect.Delay(s.attempt)
	s.retrySeq++
	seq := s.retrySeq
	s.cancelRetry = s.Schedule(delay, func() {
		if seq != s.retrySeq {
			return
		}
		s.cancelRetry = nil
		s.attempt++
		s.publish()
		s.connect()
	})

	s.observer.ReconnectScheduled(s.cfg.Name, s.attempt, delay)
	s.logger.Info("reconnect scheduled", "attempt", s.attempt, "delay", delay)
}

func (s *Session) armPing(gen uint64) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	s.cancelPing = s.Schedule(s.cfg.PingInterval, func() { s.onPingTick(gen) })
}

// onPingTick sends the next PING.
func (s *Session) onPingTick(gen uint64) {
	if s.sock == nil || !s.sock.open || gen != s.sock.gen {
		return
	}
	s.cancelPing = nil

	data, _ := json.Marshal(router.NewPing(s.clock.Now()))
	if err := s.sock.client.Send(data); err != nil {
		s.logger.Debug("failed to send ping", "error", err)
	}
	s.armPing(gen)
}

// armHeartbeat (re)starts the deadline that fires when no HEARTBEAT or
// PONG arrives within d. It is re-armed on every such frame, so a dead
// socket is detected one heartbeat window after the last one.
func (s *Session) armHeartbeat(gen uint64, d time.Duration) {
	if s.cancelBeat != nil {
		s.cancelBeat()
		s.cancelBeat = nil
	}
	if s.cfg.PingInterval <= 0 || d <= 0 {
		return
	}
	s.cancelBeat = s.Schedule(d, func() { s.onHeartbeatDeadline(gen) })
}

func (s *Session) onHeartbeatDeadline(gen uint64) {
	if s.sock == nil || !s.sock.open || gen != s.sock.gen {
		return
	}
	s.cancelBeat = nil

	timeout := s.cfg.HeartbeatTimeout()
	since := s.clock.Now().Sub(s.lastPongAt)
	if since < timeout {
		s.armHeartbeat(gen, timeout-since)
		return
	}

	s.logger.Warn("heartbeat missed, forcing reconnect",
		"since_last_pong", since,
		"timeout", timeout,
	)
	s.setStatus(StatusDegraded)
	s.dropSocket()
	s.lost(ErrStaleConnection)
}

// dropSocket closes the current socket and forgets it.
func (s *Session) dropSocket() {
	if s.cancelPing != nil {
		s.cancelPing()
		s.cancelPing = nil
	}
	if s.cancelBeat != nil {
		s.cancelBeat()
		s.cancelBeat = nil
	}
	sock := s.sock
	if sock == nil {
		return
	}
	s.sock = nil
	close(sock.stop)
	sock.client.Close()

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

func (s *Session) setStatus(to Status) {
	from := s.status
	if from == to {
		return
	}
	s.status = to
	s.togglePoller(to)
	s.publish()

	s.observer.StatusChanged(s.cfg.Name, from, to)
	s.logger.Info("channel status changed", "from", from.String(), "to", to.String())
	s.emit(Event{Type: EventStatus, Status: to})
}

// togglePoller keeps the fallback poller running exactly while the channel
// is not healthy.
func (s *Session) togglePoller(to Status) {
	if s.poller == nil {
		return
	}
	if to == StatusHealthy {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.poller.Stop(ctx); err != nil {
			s.logger.Warn("fallback poller stop timed out", "error", err)
		}
		return
	}
	if err := s.poller.Start(s.ctx); err != nil {
		s.logger.Warn("failed to start fallback poller", "error", err)
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	s.state = State{
		Status:     s.status,
		LastPongAt: s.lastPongAt,
		Attempt:    s.attempt,
		Exhausted:  s.exhausted,
	}
	s.mu.Unlock()
}

func (s *Session) emit(ev Event) {
	ev.Channel = s.cfg.Name
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	select {
	case s.out <- ev:
	default:
		s.logger.Warn("event buffer full, dropping event", "type", ev.Type)
	}
}

// forward relays transport output into the loop, tagged with the socket
// generation.
func (s *Session) forward(sock *socket) {
	c := sock.client
	for {
		select {
		case <-s.done:
			return
		case <-sock.stop:
			return
		case msg := <-c.Messages():
			if !s.post(frameEvent{gen: sock.gen, msg: msg}) {
				return
			}
		case err := <-c.Errors():
			// Frames read before the failure go first.
		drain:
			for {
				select {
				case msg := <-c.Messages():
					if !s.post(frameEvent{gen: sock.gen, msg: msg}) {
						return
					}
				default:
					break drain
				}
			}
			s.post(lostEvent{gen: sock.gen, err: err})
			return
		}
	}
}

// shutdown runs on the loop as it exits.
func (s *Session) shutdown() {
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	s.dropSocket()

	if s.poller != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.poller.Stop(ctx)
		cancel()
	}

	from := s.status
	s.status = StatusDisconnected
	s.publish()
	if from != StatusDisconnected {
		s.observer.StatusChanged(s.cfg.Name, from, StatusDisconnected)
	}

	s.logger.Info("realtime session closed")
}

func (s *Session) handleErrorFrame(f router.Frame) error {
	var payload router.ErrorFrame
	if err := router.Decode(f, &payload); err != nil {
		return err
	}
	s.logger.Warn("server error frame", "message", payload.Text(), "code", payload.Code)
	s.Notify(NoticeServerError, payload.Text())
	return nil
}

func isControlFrame(typ string) bool {
	switch typ {
	case router.TypeHeartbeat, router.TypePong, router.TypeConnectionEstablished, router.TypeError:
		return true
	}
	return false
}

// stopTimers cancels everything still pending. Callbacks that already fired
// find the loop gone and do nothing.
func (s *Session) stopTimers() {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	for h := range s.timers {
		h.t.Stop()
	}
	s.timers = make(map[*timerHandle]struct{})
}
