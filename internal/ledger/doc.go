// Package ledger keeps the in-memory record of every job the supervisor
// has seen: its status, the fingerprint of the parameters behind its last
// started run, and timing. It decides whether a run request is already
// satisfied, and publishes every status transition to subscribers and to
// an optional journal.
package ledger
