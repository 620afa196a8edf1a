// Package writer records what the realtime channels observe into Postgres.
//
// Writers:
//   - Bid writer: one row per distinct bidding state of a listing
//   - Message writer: one row per chat message id
//
// All writers use append-only semantics (never update, only insert) and
// rely on ON CONFLICT DO NOTHING to collapse repeats, which are common
// because fallback polls re-read unchanged listings.
package writer
