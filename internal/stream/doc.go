// Package stream provides the streaming subscription client.
//
// A Client owns one persistent connection and everything that keeps
// subscribers fed across its failures:
//   - the subscription registry, which dispatches decoded payloads
//   - the connection manager, which queues, reconnects and degrades
//   - the idle monitor, which hibernates an unused connection
//   - the fallback poller, which serves pollable subscriptions while degraded
//   - the router, which decodes frames once and optionally records them
//
// Once the reconnect budget is spent the client stays in polling mode
// until Foreground is called.
package stream
