package worker

import "time"

type Options struct {
	// Pollers is the number of polling goroutines per topic. Defaults to 2.
	Pollers int

	// PollingInterval is the pause between polls that returned no work.
	// Defaults to 200ms.
	PollingInterval time.Duration

	// MaxTasksPerPoll caps how many tasks a single poll fetches. Defaults
	// to 10.
	MaxTasksPerPoll int

	// MaxParallelTasks limits the number of tasks processed concurrently.
	// The default is 0 which is no limit.
	MaxParallelTasks int

	// HeartbeatInterval is the interval between lease extensions while a
	// task is being processed. Defaults to half the lock duration.
	HeartbeatInterval time.Duration

	// LockDuration is the lease length requested when claiming a task. If
	// zero, the backend's lock timeout is used.
	LockDuration time.Duration

	// WorkerID identifies this worker in leases. Defaults to a generated
	// "worker-<uuid>" name.
	WorkerID string
}

var DefaultOptions = Options{
	Pollers:         2,
	PollingInterval: 200 * time.Millisecond,
	MaxTasksPerPoll: 10,
}
