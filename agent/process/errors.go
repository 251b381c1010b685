package process

import "errors"

var (
	ErrNotFound         = errors.New("execution not found")
	ErrCommandNotFound  = errors.New("command not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrSpawn            = errors.New("failed to start command")
	ErrAborted          = errors.New("execution aborted")
	ErrShutdown         = errors.New("engine is shut down")
)

const (
	exitCodeFailure  = 1
	exitCodeNoExec   = 126
	exitCodeNotFound = 127
)
