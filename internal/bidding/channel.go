package bidding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bidloop/realtime/internal/api"
	"github.com/bidloop/realtime/internal/connection"
	"github.com/bidloop/realtime/internal/model"
	"github.com/bidloop/realtime/internal/router"
	"github.com/bidloop/realtime/internal/timesync"
)

// ErrMissingEndTime is returned for TIME_EXTENSION frames without an end.
var ErrMissingEndTime = errors.New("time extension without end time")

// ListingFetcher loads a listing over REST for fallback polling.
type ListingFetcher interface {
	GetListing(ctx context.Context, listingID string) (*model.Listing, error)
}

// Config configures a bidding Channel.
type Config struct {
	Origin    string // WebSocket origin, e.g. wss://market.example.com
	ListingID string
	UserID    string // Optional; enables outbid notices
	Session   connection.SessionConfig
}

// Channel follows the live bidding state of one listing.
type Channel struct {
	cfg     Config
	fetcher ListingFetcher
	opts    []connection.SessionOption
	session *connection.Session
	times   *timesync.Source
	base    *slog.Logger
	logger  *slog.Logger

	mu   sync.RWMutex
	snap model.BidSnapshot
}

// New creates a bidding channel. fetcher may be nil, which disables
// fallback polling.
func New(cfg Config, fetcher ListingFetcher, logger *slog.Logger, opts ...connection.SessionOption) *Channel {
	if logger == nil {
		logger = slog.Default()
	}

	scfg := cfg.Session
	if scfg.Name == "" {
		scfg.Name = "bidding"
	}
	query := url.Values{}
	if cfg.UserID != "" {
		query.Set("user_id", cfg.UserID)
	}
	scfg.Client.URL = api.ChannelURL(cfg.Origin, api.BiddingPath(cfg.ListingID), query)

	c := &Channel{
		cfg:     cfg,
		fetcher: fetcher,
		opts:    opts,
		base:    logger,
		logger:  logger.With("listing_id", cfg.ListingID),
		snap:    model.BidSnapshot{ListingID: cfg.ListingID},
	}

	sessOpts := append([]connection.SessionOption{connection.WithLogger(c.logger)}, opts...)
	if fetcher != nil {
		sessOpts = append(sessOpts, connection.WithPoll(c.fetch))
	}
	c.session = connection.NewSession(scfg, sessOpts...)
	c.times = timesync.NewSource(c.session.Clock())

	c.session.Handle(router.TypeInitialState, c.handleInitialState)
	c.session.Handle(router.TypeBidUpdate, c.handleBidUpdate)
	c.session.Handle(router.TypeTimeExtension, c.handleTimeExtension)

	return c
}

// ListingID returns the listing this channel follows.
func (c *Channel) ListingID() string {
	return c.cfg.ListingID
}

// Start opens the channel.
func (c *Channel) Start(ctx context.Context) error {
	return c.session.Start(ctx)
}

// Close tears the channel down.
func (c *Channel) Close() error {
	return c.session.Close()
}

// Switch closes this channel and returns a started channel for another
// listing with the same configuration.
func (c *Channel) Switch(ctx context.Context, listingID string) (*Channel, error) {
	if err := c.Close(); err != nil {
		return nil, err
	}
	cfg := c.cfg
	cfg.ListingID = listingID
	next := New(cfg, c.fetcher, c.base, c.opts...)
	if err := next.Start(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

// Events returns status, update and notice events.
func (c *Channel) Events() <-chan connection.Event {
	return c.session.Events()
}

// State returns the connection state.
func (c *Channel) State() connection.State {
	return c.session.State()
}

// Stats returns session diagnostics.
func (c *Channel) Stats() connection.SessionStats {
	return c.session.Stats()
}

// Snapshot returns a copy of the latest bidding state.
func (c *Channel) Snapshot() model.BidSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Remaining returns the countdown to the auction end in server time. The
// ISO end time is used only when no epoch was received.
func (c *Channel) Remaining() (time.Duration, error) {
	snap := c.Snapshot()
	if snap.AuctionEndEpoch > 0 {
		return c.times.RemainingEpoch(snap.AuctionEndEpoch), nil
	}
	end, err := timesync.ParseEndTime(snap.AuctionEndTime)
	if err != nil {
		return 0, err
	}
	return c.times.Remaining(end), nil
}

// bidFrame covers INITIAL_STATE, BID_UPDATE and TIME_EXTENSION payloads.
type bidFrame struct {
	CurrentPrice       *decimal.Decimal `json:"current_price"`
	BidCount           *int             `json:"bid_count"`
	HighestBidderID    *model.ID        `json:"highest_bidder_id"`
	BidStatus          *string          `json:"bid_status"`
	Status             *string          `json:"status"`
	AuctionEndEpoch    *float64         `json:"auction_end_epoch"`
	AuctionEndTime     *string          `json:"auction_end_time"`
	TimeExtended       bool             `json:"time_extended"`
	NewAuctionEndEpoch *float64         `json:"new_auction_end_epoch"`
	NewAuctionEndTime  *string          `json:"new_auction_end_time"`
	ServerTimeEpoch    *float64         `json:"server_time_epoch"`
}

func (b bidFrame) status() *string {
	if b.BidStatus != nil {
		return b.BidStatus
	}
	return b.Status
}

// endEpoch returns the end carried by the frame, preferring an extension.
func (b bidFrame) endEpoch() *float64 {
	if b.NewAuctionEndEpoch != nil {
		return b.NewAuctionEndEpoch
	}
	return b.AuctionEndEpoch
}

func (b bidFrame) endTime() *string {
	if b.NewAuctionEndTime != nil {
		return b.NewAuctionEndTime
	}
	return b.AuctionEndTime
}

func decodeBidFrame(f router.Frame) (bidFrame, error) {
	var b bidFrame
	if err := router.Decode(f, &b); err != nil {
		return bidFrame{}, err
	}
	if b.BidCount != nil && *b.BidCount < 0 {
		return bidFrame{}, fmt.Errorf("decode %s: negative bid_count %d", f.Type, *b.BidCount)
	}
	if e := b.endEpoch(); e != nil && *e < 0 {
		return bidFrame{}, fmt.Errorf("decode %s: negative end epoch", f.Type)
	}
	return b, nil
}

func (c *Channel) handleInitialState(f router.Frame) error {
	b, err := decodeBidFrame(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.snap
	next := model.BidSnapshot{
		ListingID:        c.cfg.ListingID,
		ServerTimeOffset: prev.ServerTimeOffset,
		OffsetKnown:      prev.OffsetKnown,
	}
	c.merge(&next, b, f)
	c.snap = next
	c.mu.Unlock()

	return nil
}

func (c *Channel) handleBidUpdate(f router.Frame) error {
	b, err := decodeBidFrame(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.snap
	next := prev
	c.merge(&next, b, f)
	c.snap = next
	c.mu.Unlock()

	c.noticeChanges(prev, next, b, f)
	return nil
}

func (c *Channel) handleTimeExtension(f router.Frame) error {
	b, err := decodeBidFrame(f)
	if err != nil {
		return err
	}
	if b.endEpoch() == nil && b.endTime() == nil {
		return ErrMissingEndTime
	}
	b.TimeExtended = true

	c.mu.Lock()
	prev := c.snap
	next := prev
	c.merge(&next, b, f)
	c.snap = next
	c.mu.Unlock()

	c.noticeChanges(prev, next, b, f)
	return nil
}

// merge applies the fields present in b. Must hold c.mu.
func (c *Channel) merge(s *model.BidSnapshot, b bidFrame, f router.Frame) {
	if b.CurrentPrice != nil {
		s.CurrentPrice = *b.CurrentPrice
	}
	if b.BidCount != nil {
		s.BidCount = *b.BidCount
	}
	if b.HighestBidderID != nil {
		s.HighestBidderID = *b.HighestBidderID
	}
	if st := b.status(); st != nil {
		s.BidStatus = *st
	}

	// A plain BID_UPDATE only moves the end when it says the time was extended.
	moveEnd := f.Type != router.TypeBidUpdate || b.TimeExtended || f.Polled
	if moveEnd {
		if e := b.endEpoch(); e != nil {
			s.AuctionEndEpoch = *e
		}
		if t := b.endTime(); t != nil {
			s.AuctionEndTime = *t
		}
	}

	// The offset follows the end time: only snapshots and extensions move it.
	if moveEnd && b.ServerTimeEpoch != nil && b.endEpoch() != nil {
		off := c.times.Observe(*b.ServerTimeEpoch)
		s.ServerTimeOffset = off.Duration()
		s.OffsetKnown = true
	}

	s.Source = model.SourcePush
	if f.Polled {
		s.Source = model.SourcePoll
	}
	s.UpdatedAt = f.ReceivedAt
}

func (c *Channel) noticeChanges(prev, next model.BidSnapshot, b bidFrame, f router.Frame) {
	if f.Polled {
		return
	}
	me := model.ID(c.cfg.UserID)
	if me != "" && prev.HighestBidderID == me && next.HighestBidderID != me && next.HighestBidderID != "" {
		c.session.Notify(connection.NoticeInfo, fmt.Sprintf("you have been outbid at %s", next.CurrentPrice.StringFixed(2)))
	}
	if b.TimeExtended && next.AuctionEndEpoch != prev.AuctionEndEpoch {
		c.session.Notify(connection.NoticeInfo, "auction end time extended")
	}
}

// listingFrame renders a REST listing as a BID_UPDATE frame.
type listingFrame struct {
	Type            string          `json:"type"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	BidCount        int             `json:"bid_count"`
	HighestBidderID model.ID        `json:"highest_bidder_id"`
	BidStatus       string          `json:"bid_status,omitempty"`
	AuctionEndEpoch *float64        `json:"auction_end_epoch,omitempty"`
	AuctionEndTime  string          `json:"auction_end_time,omitempty"`
	ServerTimeEpoch *float64        `json:"server_time_epoch,omitempty"`
}

// fetch is the fallback poll: GET the listing and hand it to the same
// handlers as pushed frames.
func (c *Channel) fetch(ctx context.Context) (router.Frame, error) {
	l, err := c.fetcher.GetListing(ctx, c.cfg.ListingID)
	if err != nil {
		return router.Frame{}, err
	}

	data, err := json.Marshal(listingFrame{
		Type:            router.TypeBidUpdate,
		CurrentPrice:    l.CurrentPrice,
		BidCount:        l.BidCount,
		HighestBidderID: l.HighestBidderID,
		BidStatus:       l.Status,
		AuctionEndEpoch: l.AuctionEndEpoch,
		AuctionEndTime:  l.AuctionEndTime,
		ServerTimeEpoch: l.ServerTimeEpoch,
	})
	if err != nil {
		return router.Frame{}, fmt.Errorf("encode listing frame: %w", err)
	}

	return router.Frame{Type: router.TypeBidUpdate, Data: data, ReceivedAt: c.session.Clock().Now()}, nil
}
