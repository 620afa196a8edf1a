// Package connection implements one realtime channel session.
//
// A Session:
//   - Owns a single WebSocket client at a time and redials it on loss
//   - Sends application PINGs and declares the socket dead after a missed PONG window
//   - Reconnects with capped exponential backoff until the attempt budget is spent
//   - Runs a fallback poller whenever the socket is not healthy
//   - Routes frames to handlers registered per frame type
//
// All session state is owned by one loop goroutine; handlers, timers and
// poll results run on that loop.
package connection
