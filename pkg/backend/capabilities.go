package backend

import "context"

// Optional backend capability interfaces.
//
// These interfaces are used for feature detection (type assertions). The core
// ComputeBackend and StorageBackend interfaces remain small.

// Canceler can ask the provider to stop a job.
//
// Cancellation is best effort: a true result means the provider accepted the
// request, not that work has stopped.
type Canceler interface {
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// HealthChecker can report provider reachability.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Closer releases resources held by a backend.
type Closer interface {
	Close() error
}

// Close closes b if it implements Closer.
func Close(b any) error {
	if c, ok := b.(Closer); ok {
		return c.Close()
	}
	return nil
}
