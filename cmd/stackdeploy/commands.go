package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/inkstone-labs/go-stack-deployer/pkg/deployconfig"
	"github.com/inkstone-labs/go-stack-deployer/pkg/orchestration"
	"github.com/inkstone-labs/go-stack-deployer/pkg/prerequisites"
	"github.com/inkstone-labs/go-stack-deployer/pkg/stackmanager"
)

type rootOptions struct {
	project     string
	environment string
	region      string
	configPath  string
	profile     string
	templateDir string
	verbose     bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "stackdeploy",
		Short:         "Deploy and tear down the document-processing platform stacks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.project, "project", "", "project name, prefixes every stack and resource")
	flags.StringVar(&opts.environment, "environment", "development", "target environment (development|staging|production)")
	flags.StringVar(&opts.region, "region", "us-east-1", "provider region")
	flags.StringVar(&opts.configPath, "config", "deploy.yaml", "path to the layered config document")
	flags.StringVar(&opts.profile, "profile", "", "named credentials profile")
	flags.StringVar(&opts.templateDir, "templates", "templates", "directory holding one template per stack (<key>.yaml)")
	flags.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	_ = cmd.MarkPersistentFlagRequired("project")

	cmd.AddCommand(
		newDeployAllCommand(opts),
		newDeployStackCommand(opts, orchestration.StackInfra, "deploy-infra", "Deploy the infrastructure stack"),
		newDeployStackCommand(opts, orchestration.StackData, "deploy-data", "Deploy the data-services stack"),
		newDeployStackCommand(opts, orchestration.StackTrigger, "deploy-trigger", "Deploy the trigger-services stack"),
		newDeployStackCommand(opts, orchestration.StackCompute, "deploy-compute", "Deploy the compute-services stack"),
		newDeleteAllCommand(opts),
		newStatusCommand(opts),
		newValidateCommand(opts),
	)
	return cmd
}

func newDeployAllCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy-all",
		Short: "Deploy all four stacks in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := rt.prereqs.VerifyTemplates(rt.deployment.Plan()); err != nil {
				return err
			}
			orchestrator, err := orchestration.NewOrchestrator(rt.deployment, rt.lifecycles, rt.storage, rt.logger)
			if err != nil {
				return err
			}
			return orchestrator.DeployAll(cmd.Context())
		},
	}
}

func newDeployStackCommand(opts *rootOptions, stackKey, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			descriptor, ok := rt.deployment.Descriptor(stackKey)
			if !ok {
				return fmt.Errorf("unknown stack key '%s'", stackKey)
			}
			if err := rt.prereqs.VerifyTemplates([]stackmanager.Descriptor{descriptor}); err != nil {
				return err
			}
			orchestrator, err := orchestration.NewOrchestrator(rt.deployment, rt.lifecycles, rt.storage, rt.logger)
			if err != nil {
				return err
			}
			return orchestrator.DeployStack(cmd.Context(), stackKey)
		},
	}
}

func newDeleteAllCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-all",
		Short: "Tear down all stacks in reverse order with ancillary cleanup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			saga, err := orchestration.NewTeardownSaga(rt.deployment, rt.lifecycles, rt.cfn, rt.storage, rt.registry, rt.logs, rt.logger)
			if err != nil {
				return err
			}
			return saga.TeardownAll(cmd.Context())
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the live state of every stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			reporter, err := orchestration.NewStatusReporter(rt.deployment, rt.lifecycles, rt.logger)
			if err != nil {
				return err
			}
			statuses, err := reporter.StatusAll(cmd.Context())
			if err != nil {
				return err
			}
			for _, status := range statuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %-20s %s\n", status.Stack, status.State, status.Classification)
			}
			return nil
		},
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Run the preflight checks without touching any stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := rt.prereqs.VerifyTemplates(rt.deployment.Plan()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Validation passed: credentials, config and templates for %s/%s are usable.\n",
				opts.project, opts.environment)
			return nil
		},
	}
}

// runtime holds the fully wired clients and deployment context for one
// invocation. Building it runs the credential preflight and the config load,
// so a runtime in hand means the fatal entry checks have passed.
type runtime struct {
	logger     zerolog.Logger
	deployment orchestration.DeploymentContext
	prereqs    *prerequisites.Manager
	lifecycles orchestration.LifecycleFactory
	cfn        stackmanager.CloudFormationAPI
	storage    orchestration.StorageAPI
	registry   orchestration.RegistryAPI
	logs       orchestration.LogsAPI
}

func newRuntime(ctx context.Context, opts *rootOptions) (*runtime, error) {
	logger := newLogger(opts.verbose)

	awsCfg, err := loadProviderConfig(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider configuration: %w", err)
	}

	prereqs, err := prerequisites.NewManager(prerequisites.NewCallerIdentityClient(awsCfg), logger)
	if err != nil {
		return nil, err
	}
	accountID, err := prereqs.CallerAccount(ctx)
	if err != nil {
		return nil, err
	}

	doc, err := deployconfig.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	resolver := deployconfig.NewResolver(doc, accountID, opts.environment)
	builder := deployconfig.NewParameterBuilder(resolver, opts.project, opts.environment, opts.region)
	deployment := orchestration.NewDeploymentContext(opts.project, opts.environment, opts.region, accountID, builder, opts.templateDir)

	cfn := stackmanager.NewCloudFormationClient(awsCfg)
	return &runtime{
		logger:     logger,
		deployment: deployment,
		prereqs:    prereqs,
		lifecycles: orchestration.NewManagerFactory(cfn, logger),
		cfn:        cfn,
		storage:    orchestration.NewStorageClient(awsCfg),
		registry:   orchestration.NewRegistryClient(awsCfg),
		logs:       orchestration.NewLogsClient(awsCfg),
	}, nil
}

func loadProviderConfig(ctx context.Context, opts *rootOptions) (aws.Config, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.region),
	}
	if opts.profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.profile))
	}
	return awsconfig.LoadDefaultConfig(ctx, loadOpts...)
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
