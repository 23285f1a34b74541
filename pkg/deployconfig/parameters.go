package deployconfig

import "strings"

// StackFamily identifies one of the four stack types and selects which
// configuration keys feed its parameter set.
type StackFamily string

const (
	FamilyInfrastructure StackFamily = "infrastructure"
	FamilyDataServices   StackFamily = "data-services"
	FamilyTrigger        StackFamily = "trigger-services"
	FamilyCompute        StackFamily = "compute-services"
)

// gpuInstancePrefix marks the instance families that ship with GPUs; the
// document-processing workers only ever run on g4dn.
const gpuInstancePrefix = "g4dn"

// parameterNames maps config document keys to the template parameter names
// the stacks declare.
var parameterNames = map[string]string{
	"project_name":       "ProjectName",
	"environment":        "Environment",
	"region":             "Region",
	"instance_type":      "InstanceType",
	"min_capacity":       "MinCapacity",
	"max_capacity":       "MaxCapacity",
	"desired_capacity":   "DesiredCapacity",
	"volume_size":        "VolumeSize",
	"task_cpu":           "TaskCpu",
	"task_memory":        "TaskMemory",
	"desired_task_count": "DesiredTaskCount",
	"startup_mode":       "StartupMode",
	"container_image":    "ContainerImage",
	"log_retention_days": "LogRetentionDays",
	"use_gpu":            "UseGpu",
	"debug_mode":         "DebugMode",
}

var commonKeys = []string{"project_name", "environment", "region"}

// familyKeys enumerates the configuration keys each stack family pulls beyond
// the common set. Keys absent from every scope are simply omitted from the
// parameter map so the template's own defaults apply.
var familyKeys = map[StackFamily][]string{
	FamilyInfrastructure: {"debug_mode"},
	FamilyDataServices:   {"log_retention_days"},
	FamilyTrigger:        {"log_retention_days", "debug_mode"},
	FamilyCompute: {
		"instance_type", "min_capacity", "max_capacity", "desired_capacity",
		"volume_size", "task_cpu", "task_memory", "desired_task_count",
		"startup_mode", "container_image", "log_retention_days", "use_gpu",
		"debug_mode",
	},
}

// ParameterBuilder composes per-stack parameter sets from resolved config
// keys. Project, environment and region act as the hardcoded fallbacks when
// the document defines no override.
type ParameterBuilder struct {
	resolver    *Resolver
	project     string
	environment string
	region      string
}

// NewParameterBuilder binds a builder to one resolver and the invocation's
// project, environment and region.
func NewParameterBuilder(resolver *Resolver, project, environment, region string) *ParameterBuilder {
	return &ParameterBuilder{
		resolver:    resolver,
		project:     project,
		environment: environment,
		region:      region,
	}
}

// Parameters returns the parameter map for one stack family. Only keys with a
// non-empty resolved value are included; an explicit empty string in a scope
// wins the precedence walk and then suppresses the key entirely, deferring to
// the template default.
func (b *ParameterBuilder) Parameters(family StackFamily) map[string]string {
	params := make(map[string]string)

	put := func(key, value string) {
		if value == "" {
			return
		}
		params[parameterNames[key]] = value
	}

	for _, key := range commonKeys {
		value, ok := b.resolver.Resolve(key)
		if !ok {
			value = b.fallback(key)
		}
		put(key, value)
	}

	for _, key := range familyKeys[family] {
		if key == "use_gpu" {
			put(key, b.resolveUseGPU())
			continue
		}
		if value, ok := b.resolver.Resolve(key); ok {
			put(key, value)
		}
	}

	return params
}

// DisableRollback reports whether stack operations should run with provider
// rollback disabled. Any value other than "true" leaves rollback enabled.
func (b *ParameterBuilder) DisableRollback() bool {
	value, ok := b.resolver.Resolve("disable_rollback")
	return ok && strings.EqualFold(value, "true")
}

// resolveUseGPU applies the derived default: when no scope defines use_gpu,
// it is true exactly when the resolved instance type is a GPU family.
func (b *ParameterBuilder) resolveUseGPU() string {
	if value, ok := b.resolver.Resolve("use_gpu"); ok {
		return value
	}
	instanceType, _ := b.resolver.Resolve("instance_type")
	if strings.HasPrefix(instanceType, gpuInstancePrefix) {
		return "true"
	}
	return "false"
}

func (b *ParameterBuilder) fallback(key string) string {
	switch key {
	case "project_name":
		return b.project
	case "environment":
		return b.environment
	case "region":
		return b.region
	}
	return ""
}
