// Package errors contains domain errors that different layers can use to add
// meaning to an error and that the stage handlers and the HTTP layer can
// transform into a delivery outcome or a status code. This is implemented as
// a separate package in order to avoid cycle import errors.
package errors

import (
	"fmt"

	errorsx "github.com/instill-ai/x/errors"
)

// The following errors serve as domain errors that can be used by the
// different layers. The router and the HTTP handlers intercept these and
// convert them into acknowledgements, redeliveries or HTTP codes.
var (
	// ErrValidation is used when an input (event payload, object key,
	// request body) doesn't have the expected shape. It is permanent for the
	// message that carries it.
	ErrValidation = errorsx.ErrInvalidArgument
	// ErrNotFound is used when a consultation or stage job doesn't exist.
	ErrNotFound = errorsx.ErrNotFound
	// ErrAlreadyExists is used when a record can't be created because it
	// already exists.
	ErrAlreadyExists = errorsx.ErrAlreadyExists
	// ErrStaleState is used when a conditional stage transition finds the
	// consultation in a different stage than expected. Callers treat it as a
	// duplicate delivery.
	ErrStaleState = fmt.Errorf("stale state")
	// ErrAlreadyCompleted is used when a stage job has already left the
	// RUNNING status.
	ErrAlreadyCompleted = fmt.Errorf("job already completed")
	// ErrTerminalStage is used when a mutation targets a consultation that is
	// DONE or FAILED.
	ErrTerminalStage = fmt.Errorf("terminal stage")
)
