package writer

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/bidloop/realtime/internal/model"
)

const bidTable = "bid_events"

type bidRow struct {
	ListingID       string
	CurrentPrice    decimal.Decimal
	BidCount        int
	HighestBidderID string
	BidStatus       string
	AuctionEndEpoch float64 // 0 when unknown
	Source          string
	ReceivedAt      time.Time
}

// BidWriter records bidding snapshots.
type BidWriter struct {
	w *batchWriter[bidRow]
}

// NewBidWriter creates a BidWriter.
func NewBidWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger) *BidWriter {
	return &BidWriter{w: newBatchWriter(bidTable, cfg, db, logger, queueBid)}
}

// SetObserver installs a metrics observer. Call before Start.
func (b *BidWriter) SetObserver(o Observer) {
	if o != nil {
		b.w.observer = o
	}
}

func (b *BidWriter) Start(ctx context.Context) error {
	b.w.start(ctx)
	return nil
}

// Stop flushes queued rows and stops the writer.
func (b *BidWriter) Stop(ctx context.Context) error {
	b.w.stop(ctx)
	return nil
}

// Write queues a snapshot. It reports false when the queue is full.
func (b *BidWriter) Write(s model.BidSnapshot) bool {
	return b.w.enqueue(transformBid(s))
}

func (b *BidWriter) Stats() WriterMetrics {
	return b.w.stats()
}

func transformBid(s model.BidSnapshot) bidRow {
	row := bidRow{
		ListingID:       s.ListingID,
		CurrentPrice:    s.CurrentPrice,
		BidCount:        s.BidCount,
		HighestBidderID: s.HighestBidderID.String(),
		BidStatus:       s.BidStatus,
		AuctionEndEpoch: s.AuctionEndEpoch,
		Source:          s.Source,
		ReceivedAt:      s.UpdatedAt,
	}
	if row.ReceivedAt.IsZero() {
		row.ReceivedAt = time.Now()
	}
	return row
}

func queueBid(b *pgx.Batch, r bidRow) {
	b.Queue(`
		INSERT INTO bid_events (listing_id, current_price, bid_count, highest_bidder_id, bid_status, auction_end_epoch, source, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
	`, r.ListingID, r.CurrentPrice, r.BidCount, r.HighestBidderID, r.BidStatus, r.AuctionEndEpoch, r.Source, r.ReceivedAt)
}
