// Package session is the per-tab session facade.
//
// A Manager owns the canonical session state of one tab. It drives the
// backend client, relays state to and from the other tabs over the bus, and
// delegates refresh timing to the leader-gated orchestrator.
//
// Only an explicit LOGOUT message or an explicit SignOut moves a tab to
// unauthenticated after initialization; null session hints, failed resyncs
// and failed refreshes never do.
package session
