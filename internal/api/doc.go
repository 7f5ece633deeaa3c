// Package api provides the REST client used for fallback polling.
//
// Requests are retried with jittered exponential backoff on 5xx and 429
// responses. PollFunc turns an endpoint into a fetch function whose
// payloads have the same {"stream", "data"} shape as pushed frames, so a
// subscription's predicate works unchanged in degraded mode.
package api
