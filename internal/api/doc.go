// Package api provides the marketplace REST client and the endpoint layout
// shared with the realtime channels.
//
// REST endpoints:
//   - GET /api/listings/{id} (fallback polling)
//
// WebSocket endpoints (origin derived from the REST base URL):
//   - /api/ws/listings/{listingId}?user_id={id}
//   - /api/ws/messaging/{conversationId}?user_id={id}
//   - /ws/messages/{userId}
package api
