package orchestration_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	logstypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/inkstone-labs/go-stack-deployer/pkg/orchestration"
	"github.com/inkstone-labs/go-stack-deployer/pkg/stackmanager"
)

type teardownFixture struct {
	dc       orchestration.DeploymentContext
	env      *fakeEnv
	cfn      *MockCloudFormationAPI
	storage  *MockStorageAPI
	registry *MockRegistryAPI
	logs     *MockLogsAPI
	saga     *orchestration.TeardownSaga
}

// newTeardownFixture wires a saga against an empty remote account: no stacks,
// no repository, no log groups, nothing listed during verification. Tests
// layer resources on top.
func newTeardownFixture(t *testing.T) *teardownFixture {
	t.Helper()
	f := &teardownFixture{
		dc:       testContext(t),
		env:      newFakeEnv(),
		cfn:      new(MockCloudFormationAPI),
		storage:  new(MockStorageAPI),
		registry: new(MockRegistryAPI),
		logs:     new(MockLogsAPI),
	}
	saga, err := orchestration.NewTeardownSaga(f.dc, f.env.factory, f.cfn, f.storage, f.registry, f.logs, zerolog.Nop())
	require.NoError(t, err)
	f.saga = saga
	return f
}

func (f *teardownFixture) expectNoRepository() {
	f.registry.On("DescribeRepositories", mock.Anything, mock.Anything).
		Return(nil, &ecrtypes.RepositoryNotFoundException{Message: aws.String("repository not found")}).Once()
}

func (f *teardownFixture) expectNoLogGroups() {
	f.logs.On("DescribeLogGroups", mock.Anything, mock.Anything).
		Return(&cloudwatchlogs.DescribeLogGroupsOutput{}, nil).Times(3)
}

func (f *teardownFixture) expectCleanVerification() {
	f.cfn.On("ListStacks", mock.Anything, mock.Anything).
		Return(&cloudformation.ListStacksOutput{}, nil).Once()
}

func (f *teardownFixture) deployAllStacks() {
	for _, key := range []string{orchestration.StackInfra, orchestration.StackData, orchestration.StackTrigger, orchestration.StackCompute} {
		f.env.stack(f.dc.StackName(key)).state = stackmanager.StateComplete
	}
}

func TestTeardownSaga_TeardownAll_ReverseOrder(t *testing.T) {
	f := newTeardownFixture(t)
	f.deployAllStacks()
	f.env.stack(f.dc.StackName(orchestration.StackData)).outputs[orchestration.BucketOutputKey] = "docproc-development-documents"

	f.storage.On("ListObjectsV2", mock.Anything, mock.Anything).
		Return(&s3.ListObjectsV2Output{}, nil).Once()
	f.expectNoRepository()
	f.expectNoLogGroups()
	f.expectCleanVerification()

	require.NoError(t, f.saga.TeardownAll(context.Background()))

	assert.Equal(t, []string{
		"delete:docproc-development-compute",
		"delete:docproc-development-trigger",
		"delete:docproc-development-data",
		"delete:docproc-development-infra",
	}, f.env.callsWithPrefix("delete:"))

	// The bucket name is read from the data stack before any deletion is
	// requested; deleting first would lose the output.
	bucketRead := f.env.callIndex("output:docproc-development-data:" + orchestration.BucketOutputKey)
	require.NotEqual(t, -1, bucketRead)
	assert.Less(t, bucketRead, f.env.callIndex("delete:docproc-development-compute"))
}

func TestTeardownSaga_TeardownAll_EmptyEnvironment(t *testing.T) {
	f := newTeardownFixture(t)
	f.expectNoRepository()
	f.expectNoLogGroups()
	f.expectCleanVerification()

	require.NoError(t, f.saga.TeardownAll(context.Background()))

	// No stacks existed, so no deletions and no bucket operations were issued.
	assert.Empty(t, f.env.callsWithPrefix("delete:"))
	f.storage.AssertNotCalled(t, "ListObjectsV2", mock.Anything, mock.Anything)
	f.storage.AssertNotCalled(t, "DeleteObjects", mock.Anything, mock.Anything)
}

func TestTeardownSaga_TeardownAll_SkipsAbsentStacks(t *testing.T) {
	f := newTeardownFixture(t)
	f.env.stack(f.dc.StackName(orchestration.StackInfra)).state = stackmanager.StateComplete
	data := f.env.stack(f.dc.StackName(orchestration.StackData))
	data.state = stackmanager.StateComplete
	data.outputs[orchestration.BucketOutputKey] = "docproc-development-documents"

	f.storage.On("ListObjectsV2", mock.Anything, mock.Anything).
		Return(&s3.ListObjectsV2Output{}, nil).Once()
	f.expectNoRepository()
	f.expectNoLogGroups()
	f.expectCleanVerification()

	require.NoError(t, f.saga.TeardownAll(context.Background()))

	assert.Equal(t, []string{
		"delete:docproc-development-data",
		"delete:docproc-development-infra",
	}, f.env.callsWithPrefix("delete:"))
}

func TestTeardownSaga_TeardownAll_ContinuesPastDeletionTimeout(t *testing.T) {
	f := newTeardownFixture(t)
	f.deployAllStacks()
	compute := f.env.stack(f.dc.StackName(orchestration.StackCompute))
	compute.awaitErr = &stackmanager.TimeoutError{Stack: compute.name, Attempts: 30}

	f.expectNoRepository()
	f.expectNoLogGroups()
	f.cfn.On("ListStacks", mock.Anything, mock.Anything).
		Return(&cloudformation.ListStacksOutput{
			StackSummaries: []cfntypes.StackSummary{
				{StackName: aws.String("docproc-development-compute"), StackStatus: cfntypes.StackStatusDeleteInProgress},
			},
		}, nil).Once()

	require.NoError(t, f.saga.TeardownAll(context.Background()))

	// The timed-out stack did not stop the saga from deleting the rest.
	assert.Equal(t, []string{
		"delete:docproc-development-compute",
		"delete:docproc-development-trigger",
		"delete:docproc-development-data",
		"delete:docproc-development-infra",
	}, f.env.callsWithPrefix("delete:"))
}

func TestTeardownSaga_TeardownAll_PurgesBucketInBatches(t *testing.T) {
	f := newTeardownFixture(t)
	data := f.env.stack(f.dc.StackName(orchestration.StackData))
	data.state = stackmanager.StateComplete
	data.outputs[orchestration.BucketOutputKey] = "docproc-development-documents"

	firstPage := &s3.ListObjectsV2Output{
		Contents: []s3types.Object{
			{Key: aws.String("input/doc-1.pdf")},
			{Key: aws.String("processed/doc-1.json")},
		},
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("token-1"),
	}
	secondPage := &s3.ListObjectsV2Output{
		Contents: []s3types.Object{
			{Key: aws.String("input/doc-2.pdf")},
		},
		IsTruncated: aws.Bool(false),
	}
	f.storage.On("ListObjectsV2", mock.Anything, mock.Anything).Return(firstPage, nil).Once()
	f.storage.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(input *s3.ListObjectsV2Input) bool {
		return aws.ToString(input.ContinuationToken) == "token-1"
	})).Return(secondPage, nil).Once()

	var deletedKeys []string
	f.storage.On("DeleteObjects", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		input := args.Get(1).(*s3.DeleteObjectsInput)
		assert.Equal(t, "docproc-development-documents", aws.ToString(input.Bucket))
		for _, identifier := range input.Delete.Objects {
			deletedKeys = append(deletedKeys, aws.ToString(identifier.Key))
		}
	}).Return(&s3.DeleteObjectsOutput{}, nil).Twice()

	f.expectNoRepository()
	f.expectNoLogGroups()
	f.expectCleanVerification()

	require.NoError(t, f.saga.TeardownAll(context.Background()))

	assert.Equal(t, []string{"input/doc-1.pdf", "processed/doc-1.json", "input/doc-2.pdf"}, deletedKeys)
	f.storage.AssertExpectations(t)
}

func TestTeardownSaga_TeardownAll_AncillaryCleanup(t *testing.T) {
	f := newTeardownFixture(t)

	f.registry.On("DescribeRepositories", mock.Anything, mock.MatchedBy(func(input *ecr.DescribeRepositoriesInput) bool {
		return len(input.RepositoryNames) == 1 && input.RepositoryNames[0] == "docproc-development-processor"
	})).Return(&ecr.DescribeRepositoriesOutput{
		Repositories: []ecrtypes.Repository{{RepositoryName: aws.String("docproc-development-processor")}},
	}, nil).Once()
	f.registry.On("DeleteRepository", mock.Anything, mock.MatchedBy(func(input *ecr.DeleteRepositoryInput) bool {
		return aws.ToString(input.RepositoryName) == "docproc-development-processor" && input.Force
	})).Return(&ecr.DeleteRepositoryOutput{}, nil).Once()

	// Only the processor log group survives; the other two were already gone.
	f.logs.On("DescribeLogGroups", mock.Anything, mock.MatchedBy(func(input *cloudwatchlogs.DescribeLogGroupsInput) bool {
		return aws.ToString(input.LogGroupNamePrefix) == "/ecs/docproc-development-processor"
	})).Return(&cloudwatchlogs.DescribeLogGroupsOutput{
		LogGroups: []logstypes.LogGroup{{LogGroupName: aws.String("/ecs/docproc-development-processor")}},
	}, nil).Once()
	f.logs.On("DescribeLogGroups", mock.Anything, mock.Anything).
		Return(&cloudwatchlogs.DescribeLogGroupsOutput{}, nil).Twice()
	f.logs.On("DeleteLogGroup", mock.Anything, mock.MatchedBy(func(input *cloudwatchlogs.DeleteLogGroupInput) bool {
		return aws.ToString(input.LogGroupName) == "/ecs/docproc-development-processor"
	})).Return(&cloudwatchlogs.DeleteLogGroupOutput{}, nil).Once()

	f.expectCleanVerification()

	require.NoError(t, f.saga.TeardownAll(context.Background()))
	f.registry.AssertExpectations(t)
	f.logs.AssertExpectations(t)
}

func TestTeardownSaga_TeardownAll_PrefixMatchIsNotExactMatch(t *testing.T) {
	f := newTeardownFixture(t)
	f.expectNoRepository()

	// The describe call returns a longer name sharing the prefix; it must not
	// be deleted in place of the absent exact group.
	f.logs.On("DescribeLogGroups", mock.Anything, mock.Anything).
		Return(&cloudwatchlogs.DescribeLogGroupsOutput{
			LogGroups: []logstypes.LogGroup{{LogGroupName: aws.String("/ecs/docproc-development-processor-canary")}},
		}, nil).Times(3)
	f.expectCleanVerification()

	require.NoError(t, f.saga.TeardownAll(context.Background()))
	f.logs.AssertNotCalled(t, "DeleteLogGroup", mock.Anything, mock.Anything)
}

func TestTeardownSaga_Verify(t *testing.T) {
	t.Run("Filters By Prefix And Deleted Status", func(t *testing.T) {
		f := newTeardownFixture(t)
		f.cfn.On("ListStacks", mock.Anything, mock.Anything).Return(&cloudformation.ListStacksOutput{
			StackSummaries: []cfntypes.StackSummary{
				{StackName: aws.String("docproc-development-infra"), StackStatus: cfntypes.StackStatusDeleteFailed},
				{StackName: aws.String("docproc-development-data"), StackStatus: cfntypes.StackStatusDeleteComplete},
				{StackName: aws.String("docproc-production-infra"), StackStatus: cfntypes.StackStatusCreateComplete},
				{StackName: aws.String("unrelated-stack"), StackStatus: cfntypes.StackStatusCreateComplete},
			},
		}, nil).Once()

		residual, err := f.saga.Verify(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"docproc-development-infra"}, residual)
	})

	t.Run("Follows Pagination", func(t *testing.T) {
		f := newTeardownFixture(t)
		f.cfn.On("ListStacks", mock.Anything, mock.MatchedBy(func(input *cloudformation.ListStacksInput) bool {
			return input.NextToken == nil
		})).Return(&cloudformation.ListStacksOutput{
			StackSummaries: []cfntypes.StackSummary{
				{StackName: aws.String("docproc-development-compute"), StackStatus: cfntypes.StackStatusDeleteInProgress},
			},
			NextToken: aws.String("page-2"),
		}, nil).Once()
		f.cfn.On("ListStacks", mock.Anything, mock.MatchedBy(func(input *cloudformation.ListStacksInput) bool {
			return aws.ToString(input.NextToken) == "page-2"
		})).Return(&cloudformation.ListStacksOutput{
			StackSummaries: []cfntypes.StackSummary{
				{StackName: aws.String("docproc-development-trigger"), StackStatus: cfntypes.StackStatusDeleteFailed},
			},
		}, nil).Once()

		residual, err := f.saga.Verify(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"docproc-development-compute", "docproc-development-trigger"}, residual)
	})
}

func TestTeardownSaga_TeardownAll_CancellationStopsSaga(t *testing.T) {
	f := newTeardownFixture(t)
	f.deployAllStacks()

	ctx, cancel := context.WithCancel(context.Background())
	compute := f.env.stack(f.dc.StackName(orchestration.StackCompute))
	compute.awaitErr = context.Canceled
	cancel()

	err := f.saga.TeardownAll(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Cancellation is the one error that stops the saga outright.
	assert.Equal(t, []string{"delete:docproc-development-compute"}, f.env.callsWithPrefix("delete:"))
}
