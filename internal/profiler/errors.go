package profiler

import "errors"

var (
	// ErrMissingCredential is returned when setup is completed without an API key.
	ErrMissingCredential = errors.New("api key is required")
	// ErrMissingName is returned when setup is completed without a character name.
	ErrMissingName = errors.New("character name is required")
	// ErrEmptyMessage is returned for blank interview input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy is returned while another model request for the session is in flight.
	ErrBusy = errors.New("session is busy")
	// ErrInvalidTransition is returned when an operation does not apply to the current step.
	ErrInvalidTransition = errors.New("operation not allowed in current step")
	// ErrGenerationFailed wraps collaborator failures.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrDetached is returned when the session was reset or closed while a
	// model request was in flight. The late result is dropped.
	ErrDetached = errors.New("session changed while waiting for the model")
	// ErrClosed is returned by a controller after Close.
	ErrClosed = errors.New("session closed")
)
