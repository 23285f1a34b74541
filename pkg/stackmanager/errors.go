package stackmanager

import (
	"errors"
	"fmt"
	"strings"

	smithy "github.com/aws/smithy-go"
)

// ErrStackNotFound is returned by describe calls when the provider reports no
// state for the stack. Callers treat it as "not deployed", never as a fault.
var ErrStackNotFound = errors.New("stackmanager: stack not found")

// DeploymentError wraps a provider rejection of a create or update request.
// It is fatal: the orchestrator aborts the remaining plan when it sees one.
type DeploymentError struct {
	Stack string
	Err   error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deployment of stack '%s' failed: %v", e.Stack, e.Err)
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a poll loop exhausts its attempts without the
// stack reaching the awaited state.
type TimeoutError struct {
	Stack    string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for stack '%s' after %d polls", e.Stack, e.Attempts)
}

// isStackMissingError recognizes the provider's "stack does not exist"
// validation error, which CloudFormation raises instead of a typed not-found.
func isStackMissingError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "does not exist")
}

// isNoChangeError recognizes the provider's rejection of an update that would
// produce an empty changeset. An empty changeset is a successful no-op.
func isNoChangeError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed")
}
