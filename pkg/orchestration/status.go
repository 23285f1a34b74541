package orchestration

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/inkstone-labs/go-stack-deployer/pkg/stackmanager"
)

// Classification buckets the stack state enum for operator-facing summaries.
type Classification string

const (
	ClassSuccess     Classification = "success"
	ClassInProgress  Classification = "inProgress"
	ClassFailure     Classification = "failure"
	ClassNotDeployed Classification = "notDeployed"
)

// Classify maps a stack state into its summary bucket.
func Classify(state stackmanager.State) Classification {
	switch state {
	case stackmanager.StateComplete:
		return ClassSuccess
	case stackmanager.StateInProgress, stackmanager.StateDeleting:
		return ClassInProgress
	case stackmanager.StateFailed, stackmanager.StateRollbackComplete:
		return ClassFailure
	}
	return ClassNotDeployed
}

// StackStatus is one row of the status report.
type StackStatus struct {
	Stack          string
	State          stackmanager.State
	Classification Classification
}

// StatusReporter aggregates per-stack state into a summary. It is strictly
// read-only.
type StatusReporter struct {
	deployment DeploymentContext
	lifecycles LifecycleFactory
	logger     zerolog.Logger
}

// NewStatusReporter creates a reporter for one deployment context.
func NewStatusReporter(deployment DeploymentContext, lifecycles LifecycleFactory, logger zerolog.Logger) (*StatusReporter, error) {
	if lifecycles == nil {
		return nil, errors.New("lifecycle factory cannot be nil")
	}
	return &StatusReporter{
		deployment: deployment,
		lifecycles: lifecycles,
		logger:     logger.With().Str("component", "StatusReporter").Logger(),
	}, nil
}

// StatusAll queries every stack in plan order and classifies its live state.
func (r *StatusReporter) StatusAll(ctx context.Context) ([]StackStatus, error) {
	plan := r.deployment.Plan()
	statuses := make([]StackStatus, 0, len(plan))

	for _, descriptor := range plan {
		manager, err := r.lifecycles(descriptor.Name)
		if err != nil {
			return nil, err
		}
		state, err := manager.CurrentState(ctx)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, StackStatus{
			Stack:          descriptor.Name,
			State:          state,
			Classification: Classify(state),
		})
	}
	return statuses, nil
}
