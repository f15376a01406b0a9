// Package breaker tracks per-backend failure state so that a backend which
// keeps failing stops counting as available to the distribution resolver.
//
// Each backend reference gets its own breaker with three states:
//
//   - CLOSED: normal operation, the backend is selectable
//   - OPEN: too many recent failures, the backend is skipped
//   - HALF-OPEN: the reset timeout elapsed, one probe is admitted
//
// The availability oracle consults Allow on every selection, so state
// changes take effect on the next request without any coordination.
package breaker
