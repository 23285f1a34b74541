package orchestration

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/inkstone-labs/go-stack-deployer/pkg/stackmanager"
)

// StackLifecycle is the per-stack contract the orchestrator and saga drive.
// *stackmanager.Manager is the production implementation.
type StackLifecycle interface {
	StackName() string
	Exists(ctx context.Context) (bool, error)
	CurrentState(ctx context.Context) (stackmanager.State, error)
	StackOutput(ctx context.Context, outputKey string) (string, bool, error)
	Upsert(ctx context.Context, descriptor stackmanager.Descriptor) error
	Delete(ctx context.Context) error
	AwaitDeleted(ctx context.Context) error
	RemediateIfRolledBack(ctx context.Context) error
}

var _ StackLifecycle = (*stackmanager.Manager)(nil)

// LifecycleFactory yields a lifecycle manager for one stack name. State lives
// with the provider, so managers are created fresh per operation.
type LifecycleFactory func(stackName string) (StackLifecycle, error)

// NewManagerFactory builds the production factory over one CloudFormation
// client.
func NewManagerFactory(client stackmanager.CloudFormationAPI, logger zerolog.Logger, opts ...stackmanager.Option) LifecycleFactory {
	return func(stackName string) (StackLifecycle, error) {
		return stackmanager.NewManager(client, stackName, logger, opts...)
	}
}

// StorageAPI is the object-storage capability set the orchestrator and saga
// consume: zero-byte marker writes and recursive purge.
type StorageAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

var _ StorageAPI = (*s3.Client)(nil)

// RegistryAPI is the container-registry capability set the saga consumes.
type RegistryAPI interface {
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	DeleteRepository(ctx context.Context, params *ecr.DeleteRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.DeleteRepositoryOutput, error)
}

var _ RegistryAPI = (*ecr.Client)(nil)

// LogsAPI is the log-sink capability set the saga consumes.
type LogsAPI interface {
	DescribeLogGroups(ctx context.Context, params *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	DeleteLogGroup(ctx context.Context, params *cloudwatchlogs.DeleteLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteLogGroupOutput, error)
}

var _ LogsAPI = (*cloudwatchlogs.Client)(nil)

// NewStorageClient builds the real object-storage client.
func NewStorageClient(cfg aws.Config) StorageAPI {
	return s3.NewFromConfig(cfg)
}

// NewRegistryClient builds the real container-registry client.
func NewRegistryClient(cfg aws.Config) RegistryAPI {
	return ecr.NewFromConfig(cfg)
}

// NewLogsClient builds the real log-sink client.
func NewLogsClient(cfg aws.Config) LogsAPI {
	return cloudwatchlogs.NewFromConfig(cfg)
}
