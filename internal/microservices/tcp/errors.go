package tcp

import "errors"

var (
	ErrSocket         = errors.New("tcp: socket error")
	ErrNotInitialized = errors.New("tcp: server not initialized")
	ErrAlreadyRunning = errors.New("tcp: server already running")
	// ErrNotFound lets a Queries implementation report a miss.
	ErrNotFound = errors.New("tcp: not found")
)
