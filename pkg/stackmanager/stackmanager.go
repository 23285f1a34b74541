// Package stackmanager queries and mutates the lifecycle state of one remote
// CloudFormation stack: existence, current state, idempotent create-or-update,
// idempotent delete, and poll-to-completion waits.
package stackmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/rs/zerolog"
)

// Descriptor declares one stack: its name, where its template lives, the
// parameters to apply, and which stacks must be Complete before it may be
// created or updated.
type Descriptor struct {
	Name            string
	Family          string
	TemplateRef     string
	Parameters      map[string]string
	DependsOn       []string
	DisableRollback bool
}

const (
	// DefaultPollInterval and DefaultMaxPollAttempts bound the deletion wait
	// at 30 polls of 10s each.
	DefaultPollInterval    = 10 * time.Second
	DefaultMaxPollAttempts = 30

	// defaultSettleAttempts bounds the create/update wait; stack creation
	// regularly outlives the deletion budget.
	defaultSettleAttempts = 90
)

// Manager owns the lifecycle of a single named stack. It never caches remote
// state across operations.
type Manager struct {
	client          CloudFormationAPI
	stackName       string
	logger          zerolog.Logger
	pollInterval    time.Duration
	maxPollAttempts int
	settleAttempts  int
}

// Option adjusts a Manager's polling behavior.
type Option func(*Manager)

// WithPollInterval overrides the pause between state polls.
func WithPollInterval(interval time.Duration) Option {
	return func(m *Manager) { m.pollInterval = interval }
}

// WithMaxPollAttempts overrides the deletion poll budget.
func WithMaxPollAttempts(attempts int) Option {
	return func(m *Manager) { m.maxPollAttempts = attempts }
}

// WithSettleAttempts overrides the create/update poll budget.
func WithSettleAttempts(attempts int) Option {
	return func(m *Manager) { m.settleAttempts = attempts }
}

// NewManager creates a lifecycle manager for one stack name.
func NewManager(client CloudFormationAPI, stackName string, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, errors.New("cloudformation client (CloudFormationAPI interface) cannot be nil")
	}
	if stackName == "" {
		return nil, errors.New("stack name cannot be empty")
	}
	m := &Manager{
		client:          client,
		stackName:       stackName,
		logger:          logger.With().Str("component", "StackManager").Str("stack", stackName).Logger(),
		pollInterval:    DefaultPollInterval,
		maxPollAttempts: DefaultMaxPollAttempts,
		settleAttempts:  defaultSettleAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// StackName returns the name of the stack this manager owns.
func (m *Manager) StackName() string {
	return m.stackName
}

// Exists reports whether the provider has any non-absent state for the stack.
func (m *Manager) Exists(ctx context.Context) (bool, error) {
	state, err := m.CurrentState(ctx)
	if err != nil {
		return false, err
	}
	return !state.Absent(), nil
}

// CurrentState fetches and maps the stack's provider status. An absent stack
// maps to NotDeployed, never to an error.
func (m *Manager) CurrentState(ctx context.Context) (State, error) {
	stack, err := m.describe(ctx)
	if errors.Is(err, ErrStackNotFound) {
		return StateNotDeployed, nil
	}
	if err != nil {
		return StateNotDeployed, err
	}
	return stateFromStatus(stack.StackStatus), nil
}

// StackOutput returns the value of one stack output. A missing stack or
// missing output key yields ok=false without error.
func (m *Manager) StackOutput(ctx context.Context, outputKey string) (string, bool, error) {
	stack, err := m.describe(ctx)
	if errors.Is(err, ErrStackNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	for _, output := range stack.Outputs {
		if aws.ToString(output.OutputKey) == outputKey {
			return aws.ToString(output.OutputValue), true, nil
		}
	}
	return "", false, nil
}

// Upsert creates the stack when absent and updates it otherwise, then blocks
// until the operation settles. An update the provider rejects as an empty
// changeset is a successful no-op.
func (m *Manager) Upsert(ctx context.Context, descriptor Descriptor) error {
	body, templateURL, err := loadTemplate(descriptor.TemplateRef)
	if err != nil {
		return &DeploymentError{Stack: m.stackName, Err: err}
	}

	exists, err := m.Exists(ctx)
	if err != nil {
		return &DeploymentError{Stack: m.stackName, Err: err}
	}

	parameters := toParameters(descriptor.Parameters)
	capabilities := []types.Capability{types.CapabilityCapabilityNamedIam}

	if !exists {
		m.logger.Info().Msg("Stack does not exist, creating.")
		input := &cloudformation.CreateStackInput{
			StackName:    aws.String(m.stackName),
			Parameters:   parameters,
			Capabilities: capabilities,
		}
		if descriptor.DisableRollback {
			input.DisableRollback = aws.Bool(true)
		}
		if templateURL != "" {
			input.TemplateURL = aws.String(templateURL)
		} else {
			input.TemplateBody = aws.String(body)
		}
		_, createErr := m.client.CreateStack(ctx, input)
		if createErr != nil {
			return &DeploymentError{Stack: m.stackName, Err: createErr}
		}
	} else {
		m.logger.Info().Msg("Stack exists, applying update.")
		input := &cloudformation.UpdateStackInput{
			StackName:    aws.String(m.stackName),
			Parameters:   parameters,
			Capabilities: capabilities,
		}
		if templateURL != "" {
			input.TemplateURL = aws.String(templateURL)
		} else {
			input.TemplateBody = aws.String(body)
		}
		_, updateErr := m.client.UpdateStack(ctx, input)
		if updateErr != nil {
			if isNoChangeError(updateErr) {
				m.logger.Info().Msg("No changes to apply, update is a no-op.")
				return nil
			}
			return &DeploymentError{Stack: m.stackName, Err: updateErr}
		}
	}

	return m.awaitSettled(ctx)
}

// Delete requests stack deletion. It is a no-op when the stack is absent.
func (m *Manager) Delete(ctx context.Context) error {
	exists, err := m.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check stack '%s' before deletion: %w", m.stackName, err)
	}
	if !exists {
		m.logger.Info().Msg("Stack does not exist, skipping deletion.")
		return nil
	}

	m.logger.Info().Msg("Requesting stack deletion.")
	_, err = m.client.DeleteStack(ctx, &cloudformation.DeleteStackInput{
		StackName: aws.String(m.stackName),
	})
	if err != nil {
		return fmt.Errorf("failed to delete stack '%s': %w", m.stackName, err)
	}
	return nil
}

// AwaitDeleted polls until the provider no longer reports the stack, failing
// with a TimeoutError once the poll budget is exhausted.
func (m *Manager) AwaitDeleted(ctx context.Context) error {
	poller := m.NewDeletionPoller()
	for {
		done, err := poller.PollOnce(ctx)
		if err != nil {
			return err
		}
		if done {
			m.logger.Info().Msg("Stack deletion confirmed.")
			return nil
		}
		if err := m.sleep(ctx); err != nil {
			return err
		}
	}
}

// RemediateIfRolledBack self-heals a stack left in ROLLBACK_COMPLETE by a
// prior failed creation: it must be deleted and confirmed absent before any
// new create is attempted. Every other state is a no-op.
func (m *Manager) RemediateIfRolledBack(ctx context.Context) error {
	state, err := m.CurrentState(ctx)
	if err != nil {
		return err
	}
	if state != StateRollbackComplete {
		return nil
	}

	m.logger.Warn().Msg("Stack is in ROLLBACK_COMPLETE from a failed creation, deleting before redeploy.")
	if err := m.Delete(ctx); err != nil {
		return err
	}
	return m.AwaitDeleted(ctx)
}

// DeletionPoller is the deletion wait expressed as an explicit state machine:
// each PollOnce consumes one attempt and reports whether the stack is gone.
// Callers own the pacing, so any scheduler can drive it.
type DeletionPoller struct {
	manager     *Manager
	attempts    int
	maxAttempts int
}

// NewDeletionPoller creates a poller bound to this manager's poll budget.
func (m *Manager) NewDeletionPoller() *DeletionPoller {
	return &DeletionPoller{manager: m, maxAttempts: m.maxPollAttempts}
}

// PollOnce performs a single state observation. It returns true when the
// stack is absent, false when another poll is needed, and a TimeoutError once
// the attempt budget is spent.
func (p *DeletionPoller) PollOnce(ctx context.Context) (bool, error) {
	if p.attempts >= p.maxAttempts {
		return false, &TimeoutError{Stack: p.manager.stackName, Attempts: p.attempts}
	}
	p.attempts++

	state, err := p.manager.CurrentState(ctx)
	if err != nil {
		return false, err
	}
	if state.Absent() {
		return true, nil
	}

	p.manager.logger.Info().
		Int("attempt", p.attempts).
		Int("max_attempts", p.maxAttempts).
		Str("state", string(state)).
		Msg("Stack still present, waiting for deletion.")
	return false, nil
}

// awaitSettled polls after a create or update until the stack reaches a
// terminal state, and classifies anything but Complete as a failed deployment.
func (m *Manager) awaitSettled(ctx context.Context) error {
	for attempt := 1; attempt <= m.settleAttempts; attempt++ {
		state, err := m.CurrentState(ctx)
		if err != nil {
			return &DeploymentError{Stack: m.stackName, Err: err}
		}
		if state.terminal() {
			if state == StateComplete {
				m.logger.Info().Msg("Stack operation completed.")
				return nil
			}
			return &DeploymentError{
				Stack: m.stackName,
				Err:   fmt.Errorf("stack settled in state %s", state),
			}
		}

		m.logger.Info().
			Int("attempt", attempt).
			Str("state", string(state)).
			Msg("Stack operation in progress.")
		if err := m.sleep(ctx); err != nil {
			return err
		}
	}
	return &TimeoutError{Stack: m.stackName, Attempts: m.settleAttempts}
}

func (m *Manager) describe(ctx context.Context) (*types.Stack, error) {
	out, err := m.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(m.stackName),
	})
	if err != nil {
		if isStackMissingError(err) {
			return nil, ErrStackNotFound
		}
		return nil, fmt.Errorf("failed to describe stack '%s': %w", m.stackName, err)
	}
	if len(out.Stacks) == 0 {
		return nil, ErrStackNotFound
	}
	return &out.Stacks[0], nil
}

func (m *Manager) sleep(ctx context.Context) error {
	if m.pollInterval <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// loadTemplate resolves a template reference into either an inline body or a
// provider-fetchable URL. A reference that cannot be read is a deployment
// failure before any mutation is attempted.
func loadTemplate(templateRef string) (body string, templateURL string, err error) {
	if strings.HasPrefix(templateRef, "http://") || strings.HasPrefix(templateRef, "https://") {
		return "", templateRef, nil
	}
	data, err := os.ReadFile(templateRef)
	if err != nil {
		return "", "", fmt.Errorf("template reference '%s' cannot be located: %w", templateRef, err)
	}
	return string(data), "", nil
}

// toParameters renders the parameter map in stable key order.
func toParameters(parameters map[string]string) []types.Parameter {
	keys := make([]string, 0, len(parameters))
	for key := range parameters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]types.Parameter, 0, len(keys))
	for _, key := range keys {
		out = append(out, types.Parameter{
			ParameterKey:   aws.String(key),
			ParameterValue: aws.String(parameters[key]),
		})
	}
	return out
}
