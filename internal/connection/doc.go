// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns exactly one WebSocket connection at a time
//   - Queues subscribe commands while the connection is not open and
//     flushes them in FIFO order on open
//   - Reconnects after a fixed delay, at most MaxAttempts times in a row,
//     then switches to degraded mode
//   - Supports caller-initiated hibernation, which closes the socket
//     without scheduling a reconnect
//   - Forwards inbound frames to the Message Router
package connection
