// Package leader elects one tab per origin to perform leader-only duties.
//
// Leadership is a last-write-wins record in shared storage: a tab id plus a
// heartbeat timestamp that the leader rewrites periodically. Any tab may claim
// the record when it is absent, stale, or already its own. Brief dual
// leadership during a claim race is tolerated; every follower re-checks
// periodically and on every storage change, so the record converges.
package leader
