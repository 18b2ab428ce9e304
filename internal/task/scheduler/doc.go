// Package scheduler turns group schedules into triggers.
//
// It only decides when a group is due; the trigger hands the group to the
// command queue, so scheduled and manual runs share one execution path and
// one overlap gate.
package scheduler
