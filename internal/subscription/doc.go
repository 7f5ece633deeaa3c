// Package subscription implements the Subscription Registry.
//
// The Registry:
//   - Assigns strictly increasing ids that are never reused
//   - Builds each subscribe command by embedding the id in the request
//   - Sends, caches, or hands the subscription to the fallback poller
//     depending on the connection mode
//   - Fans decoded payloads out in insertion order; errors go to everyone,
//     successes only to subscriptions whose predicate matches
//   - Contains panics raised by subscriber callbacks and predicates
package subscription
