// Package poller implements the Fallback Poller component.
//
// The Fallback Poller:
//   - Polls the REST API every 3 seconds while a realtime channel is not healthy
//   - Renders each result as a frame and hands it to the channel's normal update path
//   - Is started and stopped on status transitions; both calls are idempotent
package poller
