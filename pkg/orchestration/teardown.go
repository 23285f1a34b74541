package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/inkstone-labs/go-stack-deployer/pkg/stackmanager"
)

// TeardownSaga deletes the stacks in the exact reverse of the deployment
// order and cleans up the resources that live outside the stack graph. Every
// cleanup step is best-effort: a failure is logged and the saga moves on.
type TeardownSaga struct {
	deployment DeploymentContext
	lifecycles LifecycleFactory
	cfn        stackmanager.CloudFormationAPI
	storage    StorageAPI
	registry   RegistryAPI
	logs       LogsAPI
	logger     zerolog.Logger
}

// NewTeardownSaga creates a saga for one deployment context.
func NewTeardownSaga(deployment DeploymentContext, lifecycles LifecycleFactory, cfn stackmanager.CloudFormationAPI, storage StorageAPI, registry RegistryAPI, logs LogsAPI, logger zerolog.Logger) (*TeardownSaga, error) {
	if lifecycles == nil {
		return nil, errors.New("lifecycle factory cannot be nil")
	}
	if cfn == nil {
		return nil, errors.New("cloudformation client (CloudFormationAPI interface) cannot be nil")
	}
	if storage == nil || registry == nil || logs == nil {
		return nil, errors.New("storage, registry and logs clients cannot be nil")
	}
	return &TeardownSaga{
		deployment: deployment,
		lifecycles: lifecycles,
		cfn:        cfn,
		storage:    storage,
		registry:   registry,
		logs:       logs,
		logger: logger.With().
			Str("component", "TeardownSaga").
			Str("run_id", deployment.RunID).
			Logger(),
	}, nil
}

// TeardownAll runs the full saga: bucket purge, ordered stack deletions,
// ancillary cleanup, then a verification pass. Only context cancellation
// stops it; everything else degrades to warnings.
func (s *TeardownSaga) TeardownAll(ctx context.Context) error {
	s.logger.Info().
		Str("project", s.deployment.Project).
		Str("environment", s.deployment.Environment).
		Msg("Starting environment teardown.")

	// The bucket name must be read before the owning stack is deleted, and
	// the bucket emptied before that deletion is requested.
	bucket := s.lookupBucket(ctx)
	if bucket != "" {
		if err := s.purgeBucket(ctx, bucket); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Str("bucket", bucket).Msg("Bucket purge failed; continuing teardown.")
		}
	}

	for _, descriptor := range s.deployment.TeardownOrder() {
		if err := s.deleteStack(ctx, descriptor); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Str("stack", descriptor.Name).Msg("Stack deletion did not complete; proceeding to next stack.")
		}
	}

	if err := s.deleteRepository(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Str("repository", s.deployment.RepositoryName()).Msg("Registry repository cleanup failed.")
	}

	for _, group := range s.deployment.LogGroupNames() {
		if err := s.deleteLogGroup(ctx, group); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Str("log_group", group).Msg("Log group cleanup failed.")
		}
	}

	residual, err := s.Verify(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Msg("Teardown verification could not complete.")
		return nil
	}
	if len(residual) > 0 {
		s.logger.Warn().Strs("stacks", residual).Msg("Residual stacks remain after teardown.")
	} else {
		s.logger.Info().Msg("Teardown verified: no stacks remain.")
	}
	return nil
}

// Verify lists stacks still matching the project naming convention whose
// state is not Deleted.
func (s *TeardownSaga) Verify(ctx context.Context) ([]string, error) {
	prefix := s.deployment.StackPrefix()
	var residual []string
	var nextToken *string
	for {
		out, err := s.cfn.ListStacks(ctx, &cloudformation.ListStacksInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("failed to list stacks for verification: %w", err)
		}
		for _, summary := range out.StackSummaries {
			name := aws.ToString(summary.StackName)
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			if summary.StackStatus == cfntypes.StackStatusDeleteComplete {
				continue
			}
			residual = append(residual, name)
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return residual, nil
}

// lookupBucket reads the document bucket name from the data stack's outputs.
// An absent stack or output is tolerated; the purge step is simply skipped.
func (s *TeardownSaga) lookupBucket(ctx context.Context) string {
	manager, err := s.lifecycles(s.deployment.StackName(StackData))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not create data stack manager for bucket lookup.")
		return ""
	}
	bucket, ok, err := manager.StackOutput(ctx, BucketOutputKey)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not read bucket output from data stack.")
		return ""
	}
	if !ok {
		s.logger.Info().Msg("Data stack or bucket output absent, skipping bucket purge.")
		return ""
	}
	return bucket
}

// purgeBucket deletes every object in the bucket in batches. Object-storage
// deletion of a non-empty bucket fails, so this runs before the owning
// stack's deletion is requested.
func (s *TeardownSaga) purgeBucket(ctx context.Context, bucket string) error {
	s.logger.Info().Str("bucket", bucket).Msg("Emptying document bucket.")

	var continuationToken *string
	deleted := 0
	for {
		page, err := s.storage.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return fmt.Errorf("failed to list objects in bucket '%s': %w", bucket, err)
		}
		if len(page.Contents) > 0 {
			identifiers := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
			for _, object := range page.Contents {
				identifiers = append(identifiers, s3types.ObjectIdentifier{Key: object.Key})
			}
			_, err = s.storage.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &s3types.Delete{Objects: identifiers, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("failed to delete objects from bucket '%s': %w", bucket, err)
			}
			deleted += len(identifiers)
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		continuationToken = page.NextContinuationToken
	}

	s.logger.Info().Str("bucket", bucket).Int("objects", deleted).Msg("Bucket emptied.")
	return nil
}

// deleteStack removes one stack and waits for the provider to confirm it,
// skipping stacks the provider no longer knows.
func (s *TeardownSaga) deleteStack(ctx context.Context, descriptor stackmanager.Descriptor) error {
	log := s.logger.With().Str("stack", descriptor.Name).Logger()

	manager, err := s.lifecycles(descriptor.Name)
	if err != nil {
		return err
	}

	exists, err := manager.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		log.Info().Msg("Stack does not exist, skipping deletion.")
		return nil
	}

	log.Info().Msg("Deleting stack.")
	if err := manager.Delete(ctx); err != nil {
		return err
	}
	if err := manager.AwaitDeleted(ctx); err != nil {
		return err
	}
	log.Info().Msg("Stack deleted.")
	return nil
}

// deleteRepository force-deletes the container registry repository. A
// repository the registry no longer knows is a no-op.
func (s *TeardownSaga) deleteRepository(ctx context.Context) error {
	name := s.deployment.RepositoryName()

	_, err := s.registry.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{name},
	})
	if err != nil {
		var notFound *ecrtypes.RepositoryNotFoundException
		if errors.As(err, &notFound) {
			s.logger.Info().Str("repository", name).Msg("Registry repository does not exist, skipping.")
			return nil
		}
		return fmt.Errorf("failed to describe repository '%s': %w", name, err)
	}

	s.logger.Info().Str("repository", name).Msg("Deleting registry repository.")
	_, err = s.registry.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: aws.String(name),
		Force:          true,
	})
	if err != nil {
		return fmt.Errorf("failed to delete repository '%s': %w", name, err)
	}
	return nil
}

// deleteLogGroup removes one log sink when it exists.
func (s *TeardownSaga) deleteLogGroup(ctx context.Context, name string) error {
	out, err := s.logs.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("failed to describe log group '%s': %w", name, err)
	}

	found := false
	for _, group := range out.LogGroups {
		if aws.ToString(group.LogGroupName) == name {
			found = true
			break
		}
	}
	if !found {
		s.logger.Info().Str("log_group", name).Msg("Log group does not exist, skipping.")
		return nil
	}

	s.logger.Info().Str("log_group", name).Msg("Deleting log group.")
	_, err = s.logs.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{
		LogGroupName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("failed to delete log group '%s': %w", name, err)
	}
	return nil
}
