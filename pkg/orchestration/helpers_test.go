package orchestration_test

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/mock"

	"github.com/inkstone-labs/go-stack-deployer/pkg/deployconfig"
	"github.com/inkstone-labs/go-stack-deployer/pkg/orchestration"
	"github.com/inkstone-labs/go-stack-deployer/pkg/stackmanager"
)

// testContext builds a DeploymentContext for project docproc in development.
func testContext(t *testing.T) orchestration.DeploymentContext {
	t.Helper()
	doc, err := deployconfig.Parse([]byte("default:\n  instance_type: g4dn.xlarge\n"))
	if err != nil {
		t.Fatalf("parse test config: %v", err)
	}
	resolver := deployconfig.NewResolver(doc, "", "development")
	builder := deployconfig.NewParameterBuilder(resolver, "docproc", "development", "us-east-1")
	return orchestration.NewDeploymentContext("docproc", "development", "us-east-1", "", builder, "templates")
}

// fakeEnv simulates the remote environment: one fakeLifecycle per stack plus
// an ordered record of every mutating call, so tests can assert exact
// sequencing across stacks.
type fakeEnv struct {
	stacks map[string]*fakeLifecycle
	calls  []string
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{stacks: make(map[string]*fakeLifecycle)}
}

func (e *fakeEnv) record(call string) {
	e.calls = append(e.calls, call)
}

// stack registers (or returns) the fake for a stack name.
func (e *fakeEnv) stack(name string) *fakeLifecycle {
	if lm, ok := e.stacks[name]; ok {
		return lm
	}
	lm := &fakeLifecycle{name: name, env: e, state: stackmanager.StateNotDeployed, outputs: map[string]string{}}
	e.stacks[name] = lm
	return lm
}

func (e *fakeEnv) factory(name string) (orchestration.StackLifecycle, error) {
	return e.stack(name), nil
}

// callIndex returns the position of the first matching call, or -1.
func (e *fakeEnv) callIndex(call string) int {
	for i, c := range e.calls {
		if c == call {
			return i
		}
	}
	return -1
}

func (e *fakeEnv) callsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range e.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

type fakeLifecycle struct {
	name    string
	env     *fakeEnv
	state   stackmanager.State
	outputs map[string]string

	upsertErr    error
	remediateErr error
	awaitErr     error
}

func (f *fakeLifecycle) StackName() string { return f.name }

func (f *fakeLifecycle) Exists(_ context.Context) (bool, error) {
	return !f.state.Absent(), nil
}

func (f *fakeLifecycle) CurrentState(_ context.Context) (stackmanager.State, error) {
	return f.state, nil
}

func (f *fakeLifecycle) StackOutput(_ context.Context, key string) (string, bool, error) {
	f.env.record("output:" + f.name + ":" + key)
	if f.state.Absent() {
		return "", false, nil
	}
	value, ok := f.outputs[key]
	return value, ok, nil
}

func (f *fakeLifecycle) Upsert(_ context.Context, _ stackmanager.Descriptor) error {
	f.env.record("upsert:" + f.name)
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.state = stackmanager.StateComplete
	return nil
}

func (f *fakeLifecycle) Delete(_ context.Context) error {
	f.env.record("delete:" + f.name)
	return nil
}

func (f *fakeLifecycle) AwaitDeleted(_ context.Context) error {
	f.env.record("await:" + f.name)
	if f.awaitErr != nil {
		return f.awaitErr
	}
	f.state = stackmanager.StateNotDeployed
	return nil
}

func (f *fakeLifecycle) RemediateIfRolledBack(_ context.Context) error {
	f.env.record("remediate:" + f.name)
	if f.remediateErr != nil {
		return f.remediateErr
	}
	if f.state == stackmanager.StateRollbackComplete {
		f.env.record("delete:" + f.name)
		f.env.record("await:" + f.name)
		f.state = stackmanager.StateNotDeployed
	}
	return nil
}

// --- provider mocks ---

type MockStorageAPI struct{ mock.Mock }

func (m *MockStorageAPI) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.PutObjectOutput), args.Error(1)
}

func (m *MockStorageAPI) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.ListObjectsV2Output), args.Error(1)
}

func (m *MockStorageAPI) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.DeleteObjectsOutput), args.Error(1)
}

type MockRegistryAPI struct{ mock.Mock }

func (m *MockRegistryAPI) DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, _ ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ecr.DescribeRepositoriesOutput), args.Error(1)
}

func (m *MockRegistryAPI) DeleteRepository(ctx context.Context, params *ecr.DeleteRepositoryInput, _ ...func(*ecr.Options)) (*ecr.DeleteRepositoryOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ecr.DeleteRepositoryOutput), args.Error(1)
}

type MockLogsAPI struct{ mock.Mock }

func (m *MockLogsAPI) DescribeLogGroups(ctx context.Context, params *cloudwatchlogs.DescribeLogGroupsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cloudwatchlogs.DescribeLogGroupsOutput), args.Error(1)
}

func (m *MockLogsAPI) DeleteLogGroup(ctx context.Context, params *cloudwatchlogs.DeleteLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteLogGroupOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cloudwatchlogs.DeleteLogGroupOutput), args.Error(1)
}

type MockCloudFormationAPI struct{ mock.Mock }

func (m *MockCloudFormationAPI) DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cloudformation.DescribeStacksOutput), args.Error(1)
}

func (m *MockCloudFormationAPI) CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cloudformation.CreateStackOutput), args.Error(1)
}

func (m *MockCloudFormationAPI) UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cloudformation.UpdateStackOutput), args.Error(1)
}

func (m *MockCloudFormationAPI) DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cloudformation.DeleteStackOutput), args.Error(1)
}

func (m *MockCloudFormationAPI) ListStacks(ctx context.Context, params *cloudformation.ListStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.ListStacksOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cloudformation.ListStacksOutput), args.Error(1)
}
