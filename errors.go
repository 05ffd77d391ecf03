package bullmq

import "errors"

var (
	// Configuration errors.
	ErrInvalidStalledInterval = errors.New("bullmq: stalled interval must be at least one millisecond")
	ErrAlreadyRunning         = errors.New("bullmq: queue scheduler is already running")
	ErrSchedulerClosed        = errors.New("bullmq: queue scheduler is closed")

	// Transport errors.
	ErrConnectionClosed   = errors.New("bullmq: connection is closed")
	ErrCommandUnsupported = errors.New("bullmq: command not supported by server")

	// ErrStalledLimit is the reason attached to failed events for jobs that
	// stalled more often than the configured maximum.
	ErrStalledLimit = errors.New("job stalled more than allowable limit")
)
