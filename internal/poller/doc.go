// Package poller implements the Fallback Poller component.
//
// The Fallback Poller:
//   - Runs only in degraded mode, for subscriptions with a fetch function
//   - Uses one goroutine per subscription so a slow fetch never blocks others
//   - Waits a fixed interval between fetches
//   - Stops before the next fetch once halted, and drops in-flight results
//   - Marks payloads with source="poll"
package poller
