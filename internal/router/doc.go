// Package router implements the Message Router component.
//
// The router reads raw frames from the Connection Manager, decodes each
// frame exactly once and hands the payload to the Subscription Registry.
// When recording is enabled, dispatched payloads (command acks excluded)
// are also pushed into a growable buffer consumed by the payload writer.
package router
