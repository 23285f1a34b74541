// Package orchestration sequences stack deployment across the dependency
// graph, runs the reverse-order teardown saga with best-effort ancillary
// cleanup, and reports aggregate stack status.
package orchestration

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/inkstone-labs/go-stack-deployer/pkg/deployconfig"
	"github.com/inkstone-labs/go-stack-deployer/pkg/stackmanager"
)

// Stack keys identify the four stacks of the platform. The deployment order
// is fixed: infrastructure, then data, then the trigger and compute services
// that fan out from both.
const (
	StackInfra   = "infra"
	StackData    = "data"
	StackTrigger = "trigger"
	StackCompute = "compute"
)

// BucketOutputKey is the data-services stack output naming the document
// bucket. Teardown must read it before that stack is deleted.
const BucketOutputKey = "DocumentBucketName"

var deployOrder = []string{StackInfra, StackData, StackTrigger, StackCompute}

var stackFamilies = map[string]deployconfig.StackFamily{
	StackInfra:   deployconfig.FamilyInfrastructure,
	StackData:    deployconfig.FamilyDataServices,
	StackTrigger: deployconfig.FamilyTrigger,
	StackCompute: deployconfig.FamilyCompute,
}

// DeploymentContext is the immutable per-invocation value every component
// receives: resolved identity, the four stack descriptors, and the naming
// conventions for ancillary resources. Nothing in it changes once built.
type DeploymentContext struct {
	RunID       string
	Project     string
	Environment string
	Region      string
	AccountID   string

	descriptors map[string]stackmanager.Descriptor
}

// NewDeploymentContext builds the descriptors for one invocation from the
// parameter builder's resolved values. templateDir holds one template file
// per stack key (<key>.yaml).
func NewDeploymentContext(project, environment, region, accountID string, builder *deployconfig.ParameterBuilder, templateDir string) DeploymentContext {
	dependsOn := map[string][]string{
		StackInfra:   nil,
		StackData:    nil,
		StackTrigger: {StackInfra, StackData},
		StackCompute: {StackInfra, StackData},
	}

	dc := DeploymentContext{
		RunID:       uuid.New().String()[:8],
		Project:     project,
		Environment: environment,
		Region:      region,
		AccountID:   accountID,
		descriptors: make(map[string]stackmanager.Descriptor, len(deployOrder)),
	}

	disableRollback := builder.DisableRollback()
	for _, key := range deployOrder {
		deps := make([]string, 0, len(dependsOn[key]))
		for _, dep := range dependsOn[key] {
			deps = append(deps, dc.StackName(dep))
		}
		dc.descriptors[key] = stackmanager.Descriptor{
			Name:            dc.StackName(key),
			Family:          key,
			TemplateRef:     filepath.Join(templateDir, key+".yaml"),
			Parameters:      builder.Parameters(stackFamilies[key]),
			DependsOn:       deps,
			DisableRollback: disableRollback,
		}
	}
	return dc
}

// StackName renders the naming convention for one stack key.
func (dc DeploymentContext) StackName(key string) string {
	return fmt.Sprintf("%s-%s-%s", dc.Project, dc.Environment, key)
}

// StackPrefix is the shared prefix of every stack this invocation owns; the
// teardown verification pass lists against it.
func (dc DeploymentContext) StackPrefix() string {
	return fmt.Sprintf("%s-%s-", dc.Project, dc.Environment)
}

// Descriptor returns the descriptor for a stack key.
func (dc DeploymentContext) Descriptor(key string) (stackmanager.Descriptor, bool) {
	descriptor, ok := dc.descriptors[key]
	return descriptor, ok
}

// Plan returns the descriptors in deployment order.
func (dc DeploymentContext) Plan() []stackmanager.Descriptor {
	plan := make([]stackmanager.Descriptor, 0, len(deployOrder))
	for _, key := range deployOrder {
		plan = append(plan, dc.descriptors[key])
	}
	return plan
}

// TeardownOrder returns the descriptors in the exact reverse of Plan.
func (dc DeploymentContext) TeardownOrder() []stackmanager.Descriptor {
	plan := dc.Plan()
	for i, j := 0, len(plan)-1; i < j; i, j = i+1, j-1 {
		plan[i], plan[j] = plan[j], plan[i]
	}
	return plan
}

// RepositoryName is the container registry repository the teardown saga
// removes.
func (dc DeploymentContext) RepositoryName() string {
	return fmt.Sprintf("%s-%s-processor", dc.Project, dc.Environment)
}

// LogGroupNames are the fixed log sinks the stacks leave behind.
func (dc DeploymentContext) LogGroupNames() []string {
	return []string{
		fmt.Sprintf("/ecs/%s-%s-processor", dc.Project, dc.Environment),
		fmt.Sprintf("/ecs/%s-%s-api", dc.Project, dc.Environment),
		fmt.Sprintf("/aws/lambda/%s-%s-trigger", dc.Project, dc.Environment),
	}
}
