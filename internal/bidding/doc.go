// Package bidding follows the live bidding state of a listing.
//
// INITIAL_STATE replaces the snapshot, BID_UPDATE and TIME_EXTENSION merge
// into it. A plain BID_UPDATE never moves the auction end; only frames with
// time_extended (or a TIME_EXTENSION) do. While the socket is not healthy
// the listing is polled over REST and applied through the same handlers.
//
// Countdowns are computed in server time: local now plus the offset observed
// from the last frame carrying server_time_epoch.
package bidding
