package metrics

import "time"

// Noop is used when metrics are disabled so callers never nil-check.
type Noop struct{}

func (Noop) RunFinished(string, string, time.Duration, int, int) {}
func (Noop) SandboxFinished(string, string, time.Duration)       {}
func (Noop) RecordReconciled(bool)                               {}
func (Noop) ReconcileFailed()                                    {}
func (Noop) GroupFinished(string, int, int, time.Duration)       {}
func (Noop) TaskQueued()                                         {}
func (Noop) TaskDropped(string)                                  {}
func (Noop) QueueDepth(int)                                      {}
func (Noop) NotificationOutcome(string, string)                  {}
