// Package metrics records engine activity. Every Sink method is
// fire-and-forget: implementations never block and never return errors.
package metrics

import "time"

type Sink interface {
	// Runs
	RunFinished(status, kind string, d time.Duration, items, newItems int)
	SandboxFinished(backend, status string, d time.Duration)

	// Dedup
	RecordReconciled(isNew bool)
	ReconcileFailed()

	// Groups
	GroupFinished(mode string, succeeded, failed int, d time.Duration)

	// Task engine
	TaskQueued()
	TaskDropped(reason string)
	QueueDepth(n int)

	// Notifier
	NotificationOutcome(channel, outcome string)
}

// Notification outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeRetried   = "retried"
)
