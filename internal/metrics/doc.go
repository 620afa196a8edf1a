// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Channel status per channel (one gauge per status value)
//   - Reconnect scheduling, backoff delays and exhaustion
//   - Frames routed, unhandled and dropped
//   - Fallback polls and their errors
//   - Recorder rows written and failed batches
package metrics
