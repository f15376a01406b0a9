// Package policy defines the routing configuration in effect for one
// destination address: route tables, matching rules, and backend
// distributions.
//
// All values are immutable snapshots. A new ClientPolicy fully replaces the
// previous one; consumers borrow a snapshot for a single routing decision
// and never mutate it. The protocol, header-match, and distribution variants
// are closed sums so that matching code can handle every case exhaustively.
//
// Snapshots are published through a Watch cell: writers replace the current
// value, readers always observe the latest value and never a queue of
// intermediate updates.
package policy
