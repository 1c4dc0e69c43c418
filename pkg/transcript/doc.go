// Package transcript keeps the audit trail of a query: every message the
// orchestrator appended, including expert scratchpads that never reach the
// shared history.
//
// Entries are write-once. A run's scratchpads are grouped by dispatch
// number, so two hand-offs to the same expert are never merged.
package transcript
