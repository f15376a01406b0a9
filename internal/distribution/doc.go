// Package distribution picks one concrete backend for a selected rule.
//
//   - First available: priority-ordered fallback; scan the list in order and
//     take the first backend that is currently available. It intentionally
//     never balances across the list.
//   - Random available: weighted-random selection among the backends that
//     are currently available; unavailable backends are excluded from the
//     weight pool before the draw.
//
// Availability is a live predicate supplied by the transport layer. It is
// queried per selection and never cached, since backend health can change
// between requests.
package distribution
