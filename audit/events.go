package audit

// Audit event actions. Each constant corresponds to one lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionTaskEnqueued       = "task.enqueued"
	ActionTaskCompleted      = "task.completed"
	ActionTaskFailed         = "task.failed"
	ActionTaskDropped        = "task.dropped"
	ActionElectionChanged    = "election.changed"
	ActionCycleCompleted     = "cycle.completed"
	ActionCycleAborted       = "cycle.aborted"
	ActionActionTransitioned = "action.transitioned"
	ActionDiscoveryUpdated   = "discovery.updated"
)

// Audit event categories group related actions.
const (
	CategoryTask         = "replicore.task"
	CategoryCoordination = "replicore.coordination"
	CategoryFleet        = "replicore.fleet"
	CategoryAction       = "replicore.action"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceTask     = "task"
	ResourceElection = "election"
	ResourceCluster  = "cluster"
	ResourceAction   = "action"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionTaskEnqueued,
		ActionTaskCompleted,
		ActionTaskFailed,
		ActionTaskDropped,
		ActionElectionChanged,
		ActionCycleCompleted,
		ActionCycleAborted,
		ActionActionTransitioned,
		ActionDiscoveryUpdated,
	}
}
