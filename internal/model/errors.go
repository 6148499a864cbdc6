package model

import "fmt"

// MalformedClaimError is returned when a claim is rejected at the ledger
// boundary. It never enters the ledger and does not fail the owning job.
type MalformedClaimError struct {
	FieldPath string
	Reason    string
}

func (e *MalformedClaimError) Error() string {
	if e.FieldPath == "" {
		return "malformed claim: " + e.Reason
	}
	return fmt.Sprintf("malformed claim for %s: %s", e.FieldPath, e.Reason)
}

// EntitySnapshotError is the only condition that fails a JobItem outright:
// without a valid snapshot the consensus engine has no entity to attach
// results to.
type EntitySnapshotError struct {
	Reason string
}

func (e *EntitySnapshotError) Error() string {
	return "invalid entity snapshot: " + e.Reason
}

// CollectorTimeoutError marks a collector that did not report within its
// deadline. On retry exhaustion it is treated as "no evidence from this
// source", not a job failure.
type CollectorTimeoutError struct {
	Collector string
}

func (e *CollectorTimeoutError) Error() string {
	return "collector timed out: " + e.Collector
}
