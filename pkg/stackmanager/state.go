package stackmanager

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// State is the provider-neutral lifecycle state of a stack. The remote
// provider is the source of truth; states are never cached across operations.
type State string

const (
	StateNotDeployed      State = "NOT_DEPLOYED"
	StateInProgress       State = "IN_PROGRESS"
	StateComplete         State = "COMPLETE"
	StateRollbackComplete State = "ROLLBACK_COMPLETE"
	StateFailed           State = "FAILED"
	StateDeleting         State = "DELETING"
	StateDeleted          State = "DELETED"
)

// stateFromStatus maps provider-native status strings into the State enum.
// Unrecognized statuses map to NotDeployed, matching the contract that the
// orchestrator only ever acts on states it understands.
func stateFromStatus(status types.StackStatus) State {
	switch status {
	case types.StackStatusCreateComplete,
		types.StackStatusUpdateComplete,
		types.StackStatusUpdateRollbackComplete,
		types.StackStatusImportComplete,
		types.StackStatusImportRollbackComplete:
		return StateComplete
	case types.StackStatusRollbackComplete:
		return StateRollbackComplete
	case types.StackStatusCreateFailed,
		types.StackStatusRollbackFailed,
		types.StackStatusDeleteFailed,
		types.StackStatusUpdateFailed,
		types.StackStatusUpdateRollbackFailed,
		types.StackStatusImportRollbackFailed:
		return StateFailed
	case types.StackStatusDeleteInProgress:
		return StateDeleting
	case types.StackStatusDeleteComplete:
		return StateDeleted
	}
	if strings.HasSuffix(string(status), "_IN_PROGRESS") {
		return StateInProgress
	}
	return StateNotDeployed
}

// terminal reports whether a state can no longer change without a new
// provider request, i.e. whether a poll loop should stop on it.
func (s State) terminal() bool {
	switch s {
	case StateInProgress, StateDeleting:
		return false
	}
	return true
}

// Absent reports whether the provider no longer knows the stack.
func (s State) Absent() bool {
	return s == StateNotDeployed || s == StateDeleted
}
