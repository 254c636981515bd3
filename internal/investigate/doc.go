// Package investigate is the business boundary for remedy's remediation
// orchestrator. It defines the Engine (the investigation state machine), the
// Service (submission, dedup, cancellation, crash recovery, async dispatch),
// the Store interface (session persistence), and the Prometheus metrics for
// the subsystem.
package investigate
