package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.

func Task(id string) string   { return "fleetq:task:" + id }
func Cancel(id string) string { return "fleetq:task:" + id + ":cancel" }

// Queue is the per-type priority ZSET. The type is hash-tagged so a queue and
// any sibling keys derived from it land on the same cluster slot.
func Queue(taskType string) string { return "fleetq:{" + taskType + "}:queue" }

// Running is the global ZSET of claimed task IDs scored by absolute deadline
// in ms. The health sweep reaps members whose score has passed.
func Running() string { return "fleetq:running" }

func Worker(id string) string { return "fleetq:worker:" + id }

// Workers is the Set of all registered worker IDs; WorkersByType indexes the
// subset registered for one worker type.
func Workers() string                        { return "fleetq:workers" }
func WorkersByType(workerType string) string { return "fleetq:workers:" + workerType }

func Lock(name string) string    { return "fleetq:lock:" + name }
func Counter(name string) string { return "fleetq:counter:" + name }

// Updates is the pub/sub channel carrying status transitions for one task.
func Updates(id string) string { return "fleetq:updates:" + id }
