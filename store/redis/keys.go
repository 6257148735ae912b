package redis

// Redis key naming conventions for control plane state.
// All keys are prefixed with "replicore:store:" to avoid collisions
// with the task queue and event trail key spaces.

const keyPrefix = "replicore:store:"

// ── Fleet keys ──

// discoveryKey returns the key for a discovery record:
// replicore:store:discovery:{cluster}
func discoveryKey(clusterID string) string { return keyPrefix + "discovery:" + clusterID }

// discoveryScheduleKey is the Sorted Set of cluster IDs scored by their
// next discovery run.
const discoveryScheduleKey = keyPrefix + "discovery_schedule"

// specKey returns the key for a cluster spec: replicore:store:spec:{cluster}
func specKey(clusterID string) string { return keyPrefix + "spec:" + clusterID }

// refreshScheduleKey is the Sorted Set of enabled cluster IDs scored by
// their next refresh. Disabled clusters are removed from the set.
const refreshScheduleKey = keyPrefix + "refresh_schedule"

// nodeKey returns the key for one node's state:
// replicore:store:node:{cluster}:{node}
func nodeKey(clusterID, nodeID string) string {
	return keyPrefix + "node:" + clusterID + ":" + nodeID
}

// nodeIndexKey is the Set tracking a cluster's node IDs for enumeration.
func nodeIndexKey(clusterID string) string { return keyPrefix + "nodes:" + clusterID }

// viewKey returns the key for a cluster's aggregated view:
// replicore:store:view:{cluster}
func viewKey(clusterID string) string { return keyPrefix + "view:" + clusterID }

// ── Action keys ──

// actionKey returns the key for an action record:
// replicore:store:action:{cluster}:{action}
func actionKey(clusterID, actionID string) string {
	return keyPrefix + "action:" + clusterID + ":" + actionID
}

// pendingKey is the Sorted Set of a node's PENDING_SCHEDULE action IDs
// scored by creation time, so handoff order matches request order.
func pendingKey(clusterID, nodeID string) string {
	return keyPrefix + "actions_pending:" + clusterID + ":" + nodeID
}

// unfinishedKey is the Sorted Set of a node's NEW/RUNNING action IDs
// scored by creation time.
func unfinishedKey(clusterID, nodeID string) string {
	return keyPrefix + "actions_unfinished:" + clusterID + ":" + nodeID
}

// finishedKey is the fleet-wide Sorted Set of terminal actions scored
// by their Finished timestamp, scanned by the janitor. Members are
// "{cluster}/{action}".
const finishedKey = keyPrefix + "actions_finished"

// transitionsKey is the List holding an action's history, oldest first.
func transitionsKey(clusterID, actionID string) string {
	return keyPrefix + "transitions:" + clusterID + ":" + actionID
}
