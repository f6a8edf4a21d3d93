// Package gateway implements the front-end request APIs (run, status,
// cancel, frame) on top of the job ledger and the dispatcher. A run whose
// parameters match the job's current or completed run is answered from
// the ledger; everything else becomes an operation on an agent.
package gateway
