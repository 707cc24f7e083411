package domain

import "errors"

// Queue flow-control errors. These are expected signals, not failures;
// callers branch on them with errors.Is.
var (
	// ErrQueueFull is returned by a non-blocking Push on a full queue,
	// or by a blocking Push whose send timeout expired.
	ErrQueueFull = errors.New("queue is full")

	// ErrQueueEmpty is returned by Pop when the receive timeout expires
	// before an item arrives.
	ErrQueueEmpty = errors.New("queue is empty")

	// ErrQueueClosed is returned by Push and Pop once the queue has been
	// closed and no items remain.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueAlreadyClosed is returned by a second non-abort Close.
	ErrQueueAlreadyClosed = errors.New("queue already closed")

	// ErrNotSupported is returned when Pop is called on a push-only
	// queue or Push on a pull-only queue.
	ErrNotSupported = errors.New("operation not supported by queue direction")
)

// Configuration errors, raised at construction time, never at runtime.
var (
	// ErrMissingPort indicates a connect-mode socket queue was requested
	// without a target port.
	ErrMissingPort = errors.New("connect mode requires a target port")

	// ErrInvalidConfig indicates an engine configuration that fails
	// validation.
	ErrInvalidConfig = errors.New("invalid engine configuration")
)

// Registry errors.
var (
	// ErrDuplicateRegistration indicates a second registration under an
	// already registered key.
	ErrDuplicateRegistration = errors.New("key already registered")

	// ErrNotRegistered indicates a lookup or deregistration for an
	// unknown key.
	ErrNotRegistered = errors.New("key not registered")
)
