package backend

import (
	goerrors "github.com/go-errors/errors"

	"github.com/flowstate-io/flowstate/backend/payload"
)

// Error is the serializable form of an error attached to an ExternalTask, a
// FlowNodeInstance or a ProcessInstance. It survives the round trip through
// the store, a plain error does not.
type Error struct {
	Message string `json:"message"`

	// Code is an optional, caller-defined error code, e.g. a BPMN error code
	// reported by an external worker.
	Code string `json:"code,omitempty"`

	// Details carries optional structured data describing the failure.
	Details payload.Payload `json:"details,omitempty"`

	// Stack is the stack trace captured when the error was converted, if any.
	Stack string `json:"stack,omitempty"`
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	return e.Message
}

// NewError converts err into a storable *Error, capturing the current stack
// trace. If err already is an *Error it is returned unchanged.
func NewError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}

	return &Error{
		Message: err.Error(),
		Stack:   string(goerrors.New(err).Stack()),
	}
}
