package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidloop/realtime/internal/router"
)

type scheduledRetry struct {
	attempt int
	delay   time.Duration
}

type recordingObserver struct {
	mu        sync.Mutex
	statuses  []Status
	scheduled []scheduledRetry
	exhausted int
	dropped   map[string]int
	polls     int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{dropped: make(map[string]int)}
}

func (o *recordingObserver) StatusChanged(_ string, _, to Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, to)
}

func (o *recordingObserver) ReconnectScheduled(_ string, attempt int, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scheduled = append(o.scheduled, scheduledRetry{attempt, delay})
}

func (o *recordingObserver) ReconnectExhausted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted++
}

func (o *recordingObserver) FrameRouted(string, string, bool) {}

func (o *recordingObserver) FrameDropped(_ string, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped[reason]++
}

func (o *recordingObserver) PollCompleted(string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.polls++
}

func (o *recordingObserver) Scheduled() []scheduledRetry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]scheduledRetry(nil), o.scheduled...)
}

func (o *recordingObserver) Statuses() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Status(nil), o.statuses...)
}

func (o *recordingObserver) Dropped(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[reason]
}

// eventLog drains a session's Events channel.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	closed chan struct{}
}

func collectEvents(s *Session) *eventLog {
	l := &eventLog{closed: make(chan struct{})}
	go func() {
		defer close(l.closed)
		for ev := range s.Events() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) notices(kind NoticeKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == EventNotice && ev.Notice.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// flakyServer rejects the first reject upgrade attempts with 503, then hands
// the n-th accepted connection (1-based over all attempts) to handler.
func flakyServer(t *testing.T, reject int32, handler func(n int32, conn *websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	var attempts atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n <= reject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(n, conn)
	}))
	return server, &attempts
}

// serveUntilClosed sends CONNECTION_ESTABLISHED and answers PINGs with PONG
// until the client goes away.
func serveUntilClosed(conn *websocket.Conn) {
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CONNECTION_ESTABLISHED"}`))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) != "" && containsType(data, router.TypePing) {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"PONG"}`))
		}
	}
}

func containsType(data []byte, typ string) bool {
	f, err := router.New(nil).Parse(data, time.Now())
	return err == nil && f.Type == typ
}

func testSessionConfig(url string) SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.Name = "test"
	cfg.Client.URL = url
	cfg.PingInterval = time.Hour
	cfg.Reconnect = ReconnectPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond, MaxAttempts: 10}
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollTimeout = time.Second
	return cfg
}

func TestSession_BecomesHealthyOnFirstFrame(t *testing.T) {
	server, _ := flakyServer(t, 0, func(_ int32, conn *websocket.Conn) { serveUntilClosed(conn) })
	defer server.Close()

	obs := newRecordingObserver()
	s := NewSession(testSessionConfig(wsURL(server)), WithObserver(obs))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool { return s.State().Status == StatusHealthy }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []Status{StatusConnecting, StatusHealthy}, obs.Statuses())
	assert.Equal(t, 0, s.State().Attempt)
	assert.False(t, s.State().LastPongAt.IsZero())
}

func TestSession_StartTwice(t *testing.T) {
	s := NewSession(testSessionConfig("ws://127.0.0.1:1"))
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.Send(map[string]string{"type": "PING"}), ErrClosed)
	assert.ErrorIs(t, s.Do(func() {}), ErrClosed)
}

func TestSession_SendNotConnected(t *testing.T) {
	s := NewSession(testSessionConfig("ws://127.0.0.1:1"))
	defer s.Close()
	assert.ErrorIs(t, s.Send(map[string]string{"type": "PING"}), ErrNotConnected)
}

func TestSession_ReconnectBackoffAndReset(t *testing.T) {
	// Attempts 1-3 are rejected, attempt 4 opens and then drops, attempt 5 stays up.
	server, attempts := flakyServer(t, 3, func(n int32, conn *websocket.Conn) {
		if n == 4 {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CONNECTION_ESTABLISHED"}`))
			time.Sleep(30 * time.Millisecond)
			return
		}
		serveUntilClosed(conn)
	})
	defer server.Close()

	obs := newRecordingObserver()
	s := NewSession(testSessionConfig(wsURL(server)), WithObserver(obs))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool {
		return attempts.Load() >= 5 && s.State().Status == StatusHealthy
	}, 3*time.Second, 5*time.Millisecond)

	want := []scheduledRetry{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 25 * time.Millisecond}, // capped
		{0, 10 * time.Millisecond}, // reset by the successful open
	}
	assert.Equal(t, want, obs.Scheduled())
	assert.Equal(t, 0, s.State().Attempt)
}

func TestSession_ConnectionLostAndRestoredNotices(t *testing.T) {
	server, _ := flakyServer(t, 0, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CONNECTION_ESTABLISHED"}`))
			return
		}
		serveUntilClosed(conn)
	})
	defer server.Close()

	s := NewSession(testSessionConfig(wsURL(server)))
	events := collectEvents(s)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return events.notices(NoticeReconnected) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, events.notices(NoticeConnectionLost))

	s.Close()
	<-events.closed
}

func TestSession_CloseCancelsPendingReconnect(t *testing.T) {
	server, attempts := flakyServer(t, 1000, nil)
	defer server.Close()

	clk := clock.NewMock()
	obs := newRecordingObserver()
	cfg := testSessionConfig(wsURL(server))
	cfg.Reconnect = DefaultReconnectPolicy()

	s := NewSession(cfg, WithClock(clk), WithObserver(obs))
	events := collectEvents(s)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return len(obs.Scheduled()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())
	<-events.closed
	seen := events.len()

	// The retry timer would have fired here.
	clk.Add(time.Minute)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), attempts.Load())
	assert.Len(t, obs.Scheduled(), 1)
	assert.Equal(t, StatusDisconnected, s.State().Status)
	assert.Equal(t, seen, events.len())
}

func TestSession_ScheduledCallbackDoesNotRunAfterClose(t *testing.T) {
	clk := clock.NewMock()
	s := NewSession(testSessionConfig("ws://127.0.0.1:1"), WithClock(clk))
	require.NoError(t, s.Start(context.Background()))

	var ran atomic.Bool
	s.Schedule(time.Second, func() { ran.Store(true) })
	require.NoError(t, s.Close())

	clk.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())

	// Scheduling after close is a no-op.
	s.Schedule(0, func() { ran.Store(true) })
	clk.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestSession_ExhaustsRetriesAndKeepsPolling(t *testing.T) {
	server, attempts := flakyServer(t, 1000, nil)
	defer server.Close()

	var polls atomic.Int32
	fetch := func(ctx context.Context) (router.Frame, error) {
		polls.Add(1)
		return router.Frame{Type: router.TypeBidUpdate, Data: []byte(`{"type":"BID_UPDATE"}`)}, nil
	}

	obs := newRecordingObserver()
	cfg := testSessionConfig(wsURL(server))
	cfg.Reconnect = ReconnectPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3}

	s := NewSession(cfg, WithObserver(obs), WithPoll(fetch))
	var applied atomic.Int32
	s.Handle(router.TypeBidUpdate, func(router.Frame) error {
		applied.Add(1)
		return nil
	})
	events := collectEvents(s)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool { return events.notices(NoticeRealtimeUnavailable) == 1 }, 3*time.Second, 5*time.Millisecond)

	// Initial dial plus three retries.
	assert.Equal(t, int32(4), attempts.Load())
	st := s.State()
	assert.True(t, st.Exhausted)
	assert.True(t, st.Polling)
	assert.Equal(t, StatusDisconnected, st.Status)

	before := applied.Load()
	require.Eventually(t, func() bool { return applied.Load() > before }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, events.notices(NoticeConnectionLost))
}

func TestSession_PollerRunsOnlyWhileUnhealthy(t *testing.T) {
	server, _ := flakyServer(t, 2, func(_ int32, conn *websocket.Conn) { serveUntilClosed(conn) })
	defer server.Close()

	var polls atomic.Int32
	fetch := func(ctx context.Context) (router.Frame, error) {
		polls.Add(1)
		return router.Frame{Type: router.TypeBidUpdate, Data: []byte(`{"type":"BID_UPDATE"}`)}, nil
	}

	s := NewSession(testSessionConfig(wsURL(server)), WithPoll(fetch))
	s.Handle(router.TypeBidUpdate, func(router.Frame) error { return nil })
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool { return s.State().Status == StatusHealthy }, 3*time.Second, 5*time.Millisecond)

	stats := s.Stats()
	assert.False(t, stats.State.Polling)
	// Connecting and disconnected toggled several times, one poll loop.
	assert.Equal(t, int64(1), stats.Poller.Starts)
	assert.Greater(t, polls.Load(), int32(0))

	settled := polls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, polls.Load())
}

func TestSession_HeartbeatTimeoutForcesReconnect(t *testing.T) {
	serverSawClose := make(chan struct{}, 4)
	var pings atomic.Int32

	server, attempts := flakyServer(t, 0, func(n int32, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CONNECTION_ESTABLISHED"}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				serverSawClose <- struct{}{}
				return
			}
			if containsType(data, router.TypePing) {
				pings.Add(1) // never answered
			}
		}
	})
	defer server.Close()

	obs := newRecordingObserver()
	cfg := testSessionConfig(wsURL(server))
	cfg.PingInterval = 20 * time.Millisecond
	cfg.HeartbeatMultiplier = 2

	s := NewSession(cfg, WithObserver(obs))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	select {
	case <-serverSawClose:
	case <-time.After(2 * time.Second):
		t.Fatal("socket was not closed after heartbeat timeout")
	}

	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Greater(t, pings.Load(), int32(0))

	statuses := obs.Statuses()
	require.GreaterOrEqual(t, len(statuses), 4)
	assert.Equal(t, []Status{StatusConnecting, StatusHealthy, StatusDegraded, StatusDisconnected}, statuses[:4])
}

func TestSession_HeartbeatDetectedOneWindowAfterLastPong(t *testing.T) {
	server, _ := flakyServer(t, 0, func(_ int32, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CONNECTION_ESTABLISHED"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	clk := clock.NewMock()
	obs := newRecordingObserver()
	cfg := testSessionConfig(wsURL(server))
	cfg.PingInterval = 20 * time.Second
	cfg.HeartbeatMultiplier = 2

	s := NewSession(cfg, WithObserver(obs), WithClock(clk))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool { return s.State().Status == StatusHealthy }, 2*time.Second, 5*time.Millisecond)

	clk.Add(39 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, obs.Statuses(), StatusDegraded)

	clk.Add(time.Second)
	require.Eventually(t, func() bool {
		for _, st := range obs.Statuses() {
			if st == StatusDegraded {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_CloseFromHandlerGoroutine(t *testing.T) {
	server, _ := flakyServer(t, 0, func(_ int32, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CONNECTION_ESTABLISHED"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"BID_UPDATE","current_price":"1"}`))
		serveUntilClosed(conn)
	})
	defer server.Close()

	s := NewSession(testSessionConfig(wsURL(server)))
	s.Handle(router.TypeBidUpdate, func(router.Frame) error {
		go s.Close()
		return nil
	})
	require.NoError(t, s.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		for range s.Events() {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
	assert.Equal(t, StatusDisconnected, s.State().Status)
	assert.ErrorIs(t, s.Send(map[string]string{"type": "PING"}), ErrClosed)
}

func TestSession_PongKeepsChannelHealthy(t *testing.T) {
	server, attempts := flakyServer(t, 0, func(_ int32, conn *websocket.Conn) { serveUntilClosed(conn) })
	defer server.Close()

	obs := newRecordingObserver()
	cfg := testSessionConfig(wsURL(server))
	cfg.PingInterval = 15 * time.Millisecond

	s := NewSession(cfg, WithObserver(obs))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool { return s.State().Status == StatusHealthy }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, StatusHealthy, s.State().Status)
	assert.Equal(t, int32(1), attempts.Load())
	assert.NotContains(t, obs.Statuses(), StatusDegraded)
}

// newLoopSession returns an unstarted session whose loop handlers can be
// driven directly from the test goroutine.
func newLoopSession(t *testing.T, obs Observer) *Session {
	t.Helper()
	s := NewSession(testSessionConfig("ws://127.0.0.1:1"), WithObserver(obs))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	t.Cleanup(s.cancel)

	s.gen = 2
	s.sock = &socket{client: NewClient(testClientConfig("ws://127.0.0.1:1"), nil), gen: 2, open: true, stop: make(chan struct{})}
	s.status = StatusConnecting
	return s
}

func TestSession_StaleSocketFramesIgnored(t *testing.T) {
	obs := newRecordingObserver()
	s := newLoopSession(t, obs)

	var applied int
	s.Handle(router.TypeBidUpdate, func(router.Frame) error {
		applied++
		return nil
	})

	frame := TimestampedMessage{Data: []byte(`{"type":"BID_UPDATE"}`), ReceivedAt: time.Now()}
	s.handle(frameEvent{gen: 1, msg: frame})
	assert.Equal(t, 0, applied)
	assert.Equal(t, StatusConnecting, s.status)
	assert.Equal(t, 1, obs.Dropped("stale_socket"))

	s.handle(lostEvent{gen: 1, err: ErrStaleConnection})
	assert.NotNil(t, s.sock, "stale close must not tear down the current socket")

	s.handle(frameEvent{gen: 2, msg: frame})
	assert.Equal(t, 1, applied)
	assert.Equal(t, StatusHealthy, s.status)
}

func TestSession_MalformedFrameLeavesStateUnchanged(t *testing.T) {
	obs := newRecordingObserver()
	s := newLoopSession(t, obs)

	var applied int
	s.Handle(router.TypeBidUpdate, func(router.Frame) error {
		applied++
		return nil
	})

	s.handle(frameEvent{gen: 2, msg: TimestampedMessage{Data: []byte(`{"type":`)}})
	assert.Equal(t, 0, applied)
	assert.Equal(t, StatusConnecting, s.status)
	assert.Equal(t, 1, obs.Dropped("malformed"))

	s.handle(frameEvent{gen: 2, msg: TimestampedMessage{Data: []byte(`{"type":"BID_UPDATE"}`)}})
	assert.Equal(t, 1, applied)
}

func TestSession_ErrorFrameRaisesNotice(t *testing.T) {
	s := newLoopSession(t, nil)

	s.handle(frameEvent{gen: 2, msg: TimestampedMessage{Data: []byte(`{"type":"ERROR","message":"listing not found"}`)}})

	var notice *Notice
	for len(s.out) > 0 {
		ev := <-s.out
		if ev.Type == EventNotice {
			n := ev.Notice
			notice = &n
		}
	}
	require.NotNil(t, notice)
	assert.Equal(t, NoticeServerError, notice.Kind)
	assert.Equal(t, "listing not found", notice.Message)
}

func TestSession_PollResultDroppedWhenHealthy(t *testing.T) {
	obs := newRecordingObserver()
	s := newLoopSession(t, obs)
	s.status = StatusHealthy

	var applied int
	s.Handle(router.TypeBidUpdate, func(router.Frame) error {
		applied++
		return nil
	})

	s.handle(pollEvent{frame: router.Frame{Type: router.TypeBidUpdate, Data: []byte(`{"type":"BID_UPDATE"}`), Polled: true}})
	assert.Equal(t, 0, applied)
	assert.Equal(t, 1, obs.Dropped("stale_poll"))
}
