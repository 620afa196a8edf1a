package bidding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidloop/realtime/internal/api"
	"github.com/bidloop/realtime/internal/connection"
	"github.com/bidloop/realtime/internal/model"
	"github.com/bidloop/realtime/internal/router"
	"github.com/bidloop/realtime/internal/timesync"
)

func frame(typ, data string, at time.Time) router.Frame {
	return router.Frame{Type: typ, Data: []byte(data), ReceivedAt: at}
}

func newTestChannel(t *testing.T, clk clock.Clock, userID string) *Channel {
	t.Helper()
	cfg := Config{
		Origin:    "ws://127.0.0.1:1",
		ListingID: "42",
		UserID:    userID,
		Session:   connection.DefaultSessionConfig(),
	}
	c := New(cfg, nil, nil, connection.WithClock(clk))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestChannel_InitialStateReplacesSnapshot(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(timesync.EpochToTime(990))
	c := newTestChannel(t, clk, "")

	require.NoError(t, c.handleInitialState(frame(router.TypeInitialState,
		`{"type":"INITIAL_STATE","current_price":"100.00","bid_count":4,"highest_bidder_id":9,"bid_status":"active","auction_end_epoch":1100,"server_time_epoch":1000}`,
		clk.Now())))

	snap := c.Snapshot()
	assert.Equal(t, "42", snap.ListingID)
	assert.True(t, snap.CurrentPrice.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 4, snap.BidCount)
	assert.Equal(t, model.ID("9"), snap.HighestBidderID)
	assert.Equal(t, "active", snap.BidStatus)
	assert.Equal(t, float64(1100), snap.AuctionEndEpoch)
	assert.Equal(t, 10*time.Second, snap.ServerTimeOffset)
	assert.Equal(t, model.SourcePush, snap.Source)

	// Server 1000 vs local 990: at local 1090 the server is at 1100.
	clk.Set(timesync.EpochToTime(1090))
	remaining, err := c.Remaining()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), remaining)

	clk.Set(timesync.EpochToTime(1070))
	remaining, err = c.Remaining()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, remaining)

	// A second INITIAL_STATE replaces rather than merges.
	require.NoError(t, c.handleInitialState(frame(router.TypeInitialState,
		`{"type":"INITIAL_STATE","current_price":"5"}`, clk.Now())))
	snap = c.Snapshot()
	assert.Equal(t, 0, snap.BidCount)
	assert.Equal(t, float64(0), snap.AuctionEndEpoch)
	assert.True(t, snap.OffsetKnown, "offset survives a snapshot without server time")
}

func TestChannel_BidUpdateWithExtensionMovesEndAndOffset(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(timesync.EpochToTime(990))
	c := newTestChannel(t, clk, "")

	require.NoError(t, c.handleInitialState(frame(router.TypeInitialState,
		`{"type":"INITIAL_STATE","current_price":"100","bid_count":1,"auction_end_epoch":1100,"server_time_epoch":1000}`, clk.Now())))

	clk.Set(timesync.EpochToTime(1050))
	require.NoError(t, c.handleBidUpdate(frame(router.TypeBidUpdate,
		`{"type":"BID_UPDATE","current_price":"110","bid_count":2,"time_extended":true,"new_auction_end_epoch":1200,"server_time_epoch":1055}`, clk.Now())))

	snap := c.Snapshot()
	assert.Equal(t, float64(1200), snap.AuctionEndEpoch)
	assert.Equal(t, 5*time.Second, snap.ServerTimeOffset)
	assert.Equal(t, 2, snap.BidCount)

	remaining, err := c.Remaining()
	require.NoError(t, err)
	assert.Equal(t, 145*time.Second, remaining)
}

func TestChannel_BidUpdateWithoutExtensionKeepsEnd(t *testing.T) {
	clk := clock.NewMock()
	c := newTestChannel(t, clk, "")

	require.NoError(t, c.handleInitialState(frame(router.TypeInitialState,
		`{"type":"INITIAL_STATE","auction_end_epoch":1100}`, clk.Now())))
	require.NoError(t, c.handleBidUpdate(frame(router.TypeBidUpdate,
		`{"type":"BID_UPDATE","current_price":"12.5","new_auction_end_epoch":5000}`, clk.Now())))

	snap := c.Snapshot()
	assert.Equal(t, float64(1100), snap.AuctionEndEpoch)
	assert.Equal(t, "12.5", snap.CurrentPrice.String())
}

func TestChannel_BidUpdateWithoutExtensionKeepsOffset(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(timesync.EpochToTime(990))
	c := newTestChannel(t, clk, "")

	require.NoError(t, c.handleInitialState(frame(router.TypeInitialState,
		`{"type":"INITIAL_STATE","auction_end_epoch":1100,"server_time_epoch":1000}`, clk.Now())))
	require.NoError(t, c.handleBidUpdate(frame(router.TypeBidUpdate,
		`{"type":"BID_UPDATE","current_price":"15","auction_end_epoch":1100,"server_time_epoch":5000}`, clk.Now())))

	snap := c.Snapshot()
	assert.Equal(t, 10*time.Second, snap.ServerTimeOffset)
	assert.Equal(t, float64(1100), snap.AuctionEndEpoch)

	clk.Set(timesync.EpochToTime(1070))
	remaining, err := c.Remaining()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, remaining)
}

func TestChannel_MalformedFramesLeaveSnapshotUnchanged(t *testing.T) {
	clk := clock.NewMock()
	c := newTestChannel(t, clk, "")

	require.NoError(t, c.handleInitialState(frame(router.TypeInitialState,
		`{"type":"INITIAL_STATE","current_price":"100","bid_count":3,"auction_end_epoch":1100}`, clk.Now())))
	before := c.Snapshot()

	bad := []router.Frame{
		frame(router.TypeBidUpdate, `{"type":"BID_UPDATE","current_price":"110","bid_count":"four"}`, clk.Now()),
		frame(router.TypeBidUpdate, `{"type":"BID_UPDATE","current_price":"abc"}`, clk.Now()),
		frame(router.TypeBidUpdate, `{"type":"BID_UPDATE","bid_count":-1}`, clk.Now()),
		frame(router.TypeTimeExtension, `{"type":"TIME_EXTENSION"}`, clk.Now()),
		frame(router.TypeInitialState, `{"type":"INITIAL_STATE","data":[1,2]`, clk.Now()),
	}
	assert.Error(t, c.handleBidUpdate(bad[0]))
	assert.Error(t, c.handleBidUpdate(bad[1]))
	assert.Error(t, c.handleBidUpdate(bad[2]))
	assert.ErrorIs(t, c.handleTimeExtension(bad[3]), ErrMissingEndTime)
	assert.Error(t, c.handleInitialState(bad[4]))

	assert.Equal(t, before, c.Snapshot())
}

func TestChannel_TimeExtension(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(timesync.EpochToTime(1000))
	c := newTestChannel(t, clk, "")

	require.NoError(t, c.handleInitialState(frame(router.TypeInitialState,
		`{"type":"INITIAL_STATE","auction_end_epoch":1100,"server_time_epoch":1000}`, clk.Now())))
	require.NoError(t, c.handleTimeExtension(frame(router.TypeTimeExtension,
		`{"type":"TIME_EXTENSION","data":{"new_auction_end_epoch":1400,"server_time_epoch":1002}}`, clk.Now())))

	snap := c.Snapshot()
	assert.Equal(t, float64(1400), snap.AuctionEndEpoch)
	assert.Equal(t, 2*time.Second, snap.ServerTimeOffset)
}

func TestChannel_RemainingFallsBackToISO(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC))
	c := newTestChannel(t, clk, "")

	_, err := c.Remaining()
	assert.ErrorIs(t, err, timesync.ErrNoEndTime)

	require.NoError(t, c.handleInitialState(frame(router.TypeInitialState,
		`{"type":"INITIAL_STATE","auction_end_time":"2024-05-01T12:00:00Z"}`, clk.Now())))

	remaining, err := c.Remaining()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, remaining)
}

// wsServer serves the bidding socket and the listing REST endpoint.
func wsServer(t *testing.T, rejectWS bool, onConn func(*websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	var restHits atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/listings/42":
			restHits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":42,"current_price":"250.00","bid_count":8,"highest_bidder_id":5,"status":"active","auction_end_time":"2030-01-01T00:00:00Z"}`))
		case strings.HasPrefix(r.URL.Path, "/api/ws/listings/42"):
			if rejectWS {
				http.Error(w, "down", http.StatusServiceUnavailable)
				return
			}
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			onConn(conn)
		default:
			http.NotFound(w, r)
		}
	}))
	return server, &restHits
}

func origin(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestChannel_LiveUpdates(t *testing.T) {
	server, _ := wsServer(t, false, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CONNECTION_ESTABLISHED"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"INITIAL_STATE","current_price":"10.00","bid_count":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"BID_UPDATE","current_price":"not-a-number"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"BID_UPDATE","current_price":"12.00","bid_count":2}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := Config{Origin: origin(server), ListingID: "42", UserID: "7", Session: connection.DefaultSessionConfig()}
	c := New(cfg, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return c.Snapshot().BidCount == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "12", c.Snapshot().CurrentPrice.String())
	assert.Equal(t, connection.StatusHealthy, c.State().Status)
	assert.Equal(t, int64(1), c.Stats().Router.HandlerErrors)
}

func TestChannel_FallbackPollingWhileSocketDown(t *testing.T) {
	server, restHits := wsServer(t, true, nil)
	defer server.Close()

	scfg := connection.DefaultSessionConfig()
	scfg.PollInterval = 10 * time.Millisecond
	scfg.Reconnect = connection.ReconnectPolicy{BaseDelay: 20 * time.Millisecond, MaxDelay: 40 * time.Millisecond, MaxAttempts: 2}

	cfg := Config{Origin: origin(server), ListingID: "42", Session: scfg}
	c := New(cfg, api.NewClient(server.URL, ""), nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return c.Snapshot().BidCount == 8 }, 2*time.Second, 5*time.Millisecond)
	snap := c.Snapshot()
	assert.Equal(t, model.SourcePoll, snap.Source)
	assert.Equal(t, model.ID("5"), snap.HighestBidderID)
	assert.Equal(t, "2030-01-01T00:00:00Z", snap.AuctionEndTime)
	assert.True(t, c.State().Polling)

	hits := restHits.Load()
	require.Eventually(t, func() bool { return restHits.Load() > hits+1 }, time.Second, 5*time.Millisecond)
}

func TestChannel_OutbidNotice(t *testing.T) {
	clk := clock.NewMock()
	c := newTestChannel(t, clk, "7")

	require.NoError(t, c.handleInitialState(frame(router.TypeInitialState,
		`{"type":"INITIAL_STATE","current_price":"10","highest_bidder_id":7}`, clk.Now())))
	require.NoError(t, c.handleBidUpdate(frame(router.TypeBidUpdate,
		`{"type":"BID_UPDATE","current_price":"11","highest_bidder_id":8}`, clk.Now())))

	select {
	case ev := <-c.Events():
		assert.Equal(t, connection.EventNotice, ev.Type)
		assert.Equal(t, connection.NoticeInfo, ev.Notice.Kind)
		assert.Contains(t, ev.Notice.Message, "11.00")
	default:
		t.Fatal("expected outbid notice")
	}
}

func TestChannel_Switch(t *testing.T) {
	server, _ := wsServer(t, false, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"INITIAL_STATE","bid_count":3}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := Config{Origin: origin(server), ListingID: "42", Session: connection.DefaultSessionConfig()}
	c := New(cfg, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Snapshot().BidCount == 3 }, 2*time.Second, 5*time.Millisecond)

	next, err := c.Switch(context.Background(), "43")
	require.NoError(t, err)
	defer next.Close()

	assert.Equal(t, "43", next.ListingID())
	assert.Equal(t, 0, next.Snapshot().BidCount)
	assert.Equal(t, connection.StatusDisconnected, c.State().Status)
	assert.ErrorIs(t, c.Start(context.Background()), connection.ErrClosed)
}
