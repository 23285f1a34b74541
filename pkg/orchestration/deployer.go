package orchestration

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/inkstone-labs/go-stack-deployer/pkg/stackmanager"
)

// bucketMarkerKeys are the zero-length prefix markers provisioned in the
// document bucket so the processing workload finds its input and output
// areas on first run.
var bucketMarkerKeys = []string{"input/", "processed/"}

// Orchestrator executes the deployment plan in dependency order, self-healing
// stacks left in ROLLBACK_COMPLETE before each upsert.
type Orchestrator struct {
	deployment DeploymentContext
	lifecycles LifecycleFactory
	storage    StorageAPI
	logger     zerolog.Logger
}

// NewOrchestrator creates an orchestrator for one deployment context.
func NewOrchestrator(deployment DeploymentContext, lifecycles LifecycleFactory, storage StorageAPI, logger zerolog.Logger) (*Orchestrator, error) {
	if lifecycles == nil {
		return nil, errors.New("lifecycle factory cannot be nil")
	}
	if storage == nil {
		return nil, errors.New("storage client (StorageAPI interface) cannot be nil")
	}
	return &Orchestrator{
		deployment: deployment,
		lifecycles: lifecycles,
		storage:    storage,
		logger: logger.With().
			Str("component", "DeploymentOrchestrator").
			Str("run_id", deployment.RunID).
			Logger(),
	}, nil
}

// DeployAll runs the full plan in fixed order. Any deployment failure or
// remediation timeout aborts the remaining plan, leaving already-applied
// stacks untouched for operator inspection.
func (o *Orchestrator) DeployAll(ctx context.Context) error {
	o.logger.Info().
		Str("project", o.deployment.Project).
		Str("environment", o.deployment.Environment).
		Msg("Starting full deployment plan.")

	for _, descriptor := range o.deployment.Plan() {
		if err := o.deployDescriptor(ctx, descriptor); err != nil {
			return fmt.Errorf("aborting remaining plan: %w", err)
		}
	}

	o.logger.Info().Msg("Full deployment plan completed.")
	return nil
}

// DeployStack deploys a single stack by key. Trigger and compute require
// their dependency stacks to already exist; the check runs before any
// provider mutation.
func (o *Orchestrator) DeployStack(ctx context.Context, key string) error {
	descriptor, ok := o.deployment.Descriptor(key)
	if !ok {
		return fmt.Errorf("unknown stack key '%s'", key)
	}

	if len(descriptor.DependsOn) > 0 {
		missing, err := o.missingDependencies(ctx, descriptor)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return &PrerequisiteError{Stack: descriptor.Name, Missing: missing}
		}
	}

	return o.deployDescriptor(ctx, descriptor)
}

func (o *Orchestrator) deployDescriptor(ctx context.Context, descriptor stackmanager.Descriptor) error {
	log := o.logger.With().Str("stack", descriptor.Name).Logger()

	manager, err := o.lifecycles(descriptor.Name)
	if err != nil {
		return err
	}

	if err := manager.RemediateIfRolledBack(ctx); err != nil {
		return fmt.Errorf("remediation of stack '%s' failed: %w", descriptor.Name, err)
	}

	log.Info().Msg("Deploying stack.")
	if err := manager.Upsert(ctx, descriptor); err != nil {
		return err
	}
	log.Info().Msg("Stack deployed.")

	if descriptor.Family == StackData {
		if err := o.provisionBucketMarkers(ctx, manager); err != nil {
			log.Warn().Err(err).Msg("Post-provisioning of bucket markers failed; deployment continues.")
		}
	}
	return nil
}

func (o *Orchestrator) missingDependencies(ctx context.Context, descriptor stackmanager.Descriptor) ([]string, error) {
	var missing []string
	for _, dependency := range descriptor.DependsOn {
		manager, err := o.lifecycles(dependency)
		if err != nil {
			return nil, err
		}
		exists, err := manager.Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check dependency stack '%s': %w", dependency, err)
		}
		if !exists {
			missing = append(missing, dependency)
		}
	}
	return missing, nil
}

// provisionBucketMarkers idempotently creates the input/ and processed/
// zero-length markers in the bucket named by the data stack's output.
func (o *Orchestrator) provisionBucketMarkers(ctx context.Context, manager StackLifecycle) error {
	bucket, ok, err := manager.StackOutput(ctx, BucketOutputKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("stack '%s' has no %s output", manager.StackName(), BucketOutputKey)
	}

	for _, key := range bucketMarkerKeys {
		_, err := o.storage.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(nil),
		})
		if err != nil {
			return fmt.Errorf("failed to create marker object '%s' in bucket '%s': %w", key, bucket, err)
		}
	}

	o.logger.Info().Str("bucket", bucket).Msg("Bucket prefix markers provisioned.")
	return nil
}
