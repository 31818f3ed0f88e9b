package blackboard

import "fmt"

// Cache key pattern helpers
//
// All cache keys are namespaced by instance name to enable multiple Slate
// instances to safely coexist on a single Redis server.
//
// Key pattern: slate:{instance_name}:{entity}:{id}

// ProjectKey returns the cache key for a project document.
// Pattern: slate:{instance_name}:project:{project_id}
func ProjectKey(instanceName, projectID string) string {
	return fmt.Sprintf("slate:%s:project:%s", instanceName, projectID)
}

// ShotKey returns the cache key for a single shot of a project.
// Pattern: slate:{instance_name}:project:{project_id}:shot:{shot_id}
func ShotKey(instanceName, projectID, shotID string) string {
	return fmt.Sprintf("slate:%s:project:%s:shot:%s", instanceName, projectID, shotID)
}

// ShotKeyPattern returns the SCAN match pattern for all shots of a project.
// Enumeration must go through the cache's cursor-based scan, never a
// blocking full-keyspace match.
func ShotKeyPattern(instanceName, projectID string) string {
	return fmt.Sprintf("slate:%s:project:%s:shot:*", instanceName, projectID)
}

// ApprovalKey returns the cache key for an approval record.
// Pattern: slate:{instance_name}:approval:{approval_id}
func ApprovalKey(instanceName, approvalID string) string {
	return fmt.Sprintf("slate:%s:approval:%s", instanceName, approvalID)
}

// LockKey returns the distributed-lock key for a named resource.
// Pattern: lock:{name}. Lock keys are deliberately not instance-namespaced
// by default; the resource name itself carries any scoping the caller wants.
func LockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}
