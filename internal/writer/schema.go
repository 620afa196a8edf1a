package writer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the recorder tables.
const Schema = `
CREATE TABLE IF NOT EXISTS bid_events (
	listing_id        TEXT        NOT NULL,
	current_price     NUMERIC     NOT NULL,
	bid_count         INTEGER     NOT NULL,
	highest_bidder_id TEXT        NOT NULL DEFAULT '',
	bid_status        TEXT        NOT NULL DEFAULT '',
	auction_end_epoch DOUBLE PRECISION NOT NULL DEFAULT 0,
	source            TEXT        NOT NULL,
	received_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (listing_id, bid_count, current_price, auction_end_epoch)
);

CREATE TABLE IF NOT EXISTS chat_messages (
	conversation_id TEXT        NOT NULL,
	message_id      TEXT        NOT NULL,
	sender_id       TEXT        NOT NULL DEFAULT '',
	content         TEXT        NOT NULL,
	created_at      TIMESTAMPTZ,
	received_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (conversation_id, message_id)
);
`

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates missing tables.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
