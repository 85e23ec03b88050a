package dispatch

import "errors"

var (
	// ErrNilProcessor is raised when a pool is built without a processor.
	ErrNilProcessor = errors.New("pool processor cannot be nil")
	// ErrNilKeyFunc is raised when a pool is built without a key function.
	ErrNilKeyFunc = errors.New("pool key function cannot be nil")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("pool already started")
	// ErrNotStarted is returned when Submit or Stop precede Start.
	ErrNotStarted = errors.New("pool not started")
	// ErrStopped is returned when submitting to a stopped pool.
	ErrStopped = errors.New("pool stopped")
	// ErrQueueFull is returned when a partition's queue is at capacity.
	ErrQueueFull = errors.New("pool queue full")
)
