package chat

import (
	"errors"
	"fmt"
)

// ErrEmptyHistory rejects a generation started without any messages.
var ErrEmptyHistory = errors.New("history cannot be empty")

// ErrGenerationActive rejects a second prompt while one is already streaming.
var ErrGenerationActive = errors.New("a generation is already in progress")

// ProviderError wraps a completion-provider failure mid-stream. Recoverable
// at the session level: the generation is aborted, nothing is persisted.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("completion provider error: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a store failure saving the completed message. The
// already-streamed tokens are not retracted.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to save message: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
