// Package executor names the interface a node-local command/PTY executor
// would implement to service tasks dispatched over a heartbeat response's
// Tasks field (rpc.Task). Running arbitrary remote commands is explicitly
// out of scope (see Non-goals): this package only carries the shape a
// future implementation would fill in, so the heartbeat wire format and
// SyncEngine's task plumbing have somewhere real to point at.
package executor

import "context"

// Task mirrors rpc.Task without importing the rpc package, keeping this an
// entirely standalone, swappable seam.
type Task struct {
	TaskID  string
	Kind    string
	Payload string
}

// Result is what running a Task produces.
type Result struct {
	TaskID string
	Status string // completed | failed; Core reports unsupported when no Executor is set
	Output string
	Err    error
}

// Executor runs a single dispatched Task to completion or ctx cancellation.
// No implementation ships in this module; a host embedding it for a
// trusted, single-operator deployment may provide one.
type Executor interface {
	Execute(ctx context.Context, task Task) Result
}

// TaskService dispatches tasks to mesh peers and collects their results —
// the abstraction the heartbeat handler (Core.HandleHeartbeat) calls into
// to record the results a heartbeating Relay reports and to decide what
// Tasks to hand back to it. NoopTaskService is the only implementation
// that ships.
type TaskService interface {
	PendingTasksFor(nodeID string) []Task
	RecordResult(nodeID string, result Result)
}

// NoopTaskService is the zero-work TaskService used when no task dispatch
// backend is configured: every poll comes back empty.
type NoopTaskService struct{}

func (NoopTaskService) PendingTasksFor(string) []Task   { return nil }
func (NoopTaskService) RecordResult(string, Result)     {}
