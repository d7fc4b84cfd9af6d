package main

import (
	"context"
	"fmt"

	"github.com/EphemeralEpoch/smart-book-gist/pkg/deployment"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/iam"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/orchestration"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/prerequisites"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/secrets"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// configFlags are the overrides shared by deploy and teardown.
type configFlags struct {
	configFile  string
	projectID   string
	region      string
	serviceName string
	image       string
	secretValue string

	allowUnauthenticated bool
	grantFailureFatal    bool
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "Path to a YAML deployment config")
	cmd.Flags().StringVar(&f.projectID, "project", "", "GCP project ID")
	cmd.Flags().StringVar(&f.region, "region", "", "Cloud Run region")
	cmd.Flags().StringVar(&f.serviceName, "service", "", "Cloud Run service name")
	cmd.Flags().StringVar(&f.image, "image", "", "Container image to deploy")
	cmd.Flags().StringVar(&f.secretValue, "secret-value", "", "API key to store as the latest secret version")
	cmd.Flags().BoolVar(&f.allowUnauthenticated, "allow-unauthenticated", true, "Grant run.invoker to allUsers")
	cmd.Flags().BoolVar(&f.grantFailureFatal, "grant-failure-fatal", false, "Treat a failed invoker grant as a run failure")
}

// resolveConfig layers flag overrides on top of the file (or defaults).
func (f *configFlags) resolveConfig(cmd *cobra.Command) (orchestration.Config, error) {
	cfg := orchestration.NewDefaultConfig()
	if f.configFile != "" {
		loaded, err := orchestration.LoadConfigFile(f.configFile)
		if err != nil {
			return cfg, exitWith(exitBadConfig, err)
		}
		cfg = loaded
	}
	if f.projectID != "" {
		cfg.ProjectID = f.projectID
	}
	if f.region != "" {
		cfg.Region = f.region
	}
	if f.serviceName != "" {
		cfg.ServiceName = f.serviceName
	}
	if f.image != "" {
		cfg.Image = f.image
	}
	if f.secretValue != "" {
		cfg.SecretValue = f.secretValue
	}
	if cmd.Flags().Changed("allow-unauthenticated") {
		cfg.AllowUnauthenticated = f.allowUnauthenticated
	}
	if cmd.Flags().Changed("grant-failure-fatal") {
		cfg.GrantFailureFatal = f.grantFailureFatal
	}
	return cfg, nil
}

// buildOrchestrator wires the real GCP clients. The returned cleanup closes
// them.
func buildOrchestrator(ctx context.Context, cfg orchestration.Config, logger zerolog.Logger) (*orchestration.Orchestrator, func(), error) {
	iamClient, err := iam.NewGoogleIAMClient(ctx, cfg.ProjectID, cfg.Region, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create IAM client: %w", err)
	}
	secretStore, secretsClient, err := secrets.NewGoogleStore(ctx, cfg.ProjectID, logger)
	if err != nil {
		_ = iamClient.Close()
		return nil, nil, fmt.Errorf("failed to create secrets client: %w", err)
	}
	runAPI, err := deployment.NewGoogleCloudRunAPIAdapter(ctx, cfg.ProjectID, cfg.Region, logger)
	if err != nil {
		_ = iamClient.Close()
		_ = secretsClient.Close()
		return nil, nil, fmt.Errorf("failed to create Cloud Run client: %w", err)
	}
	apiClient, err := prerequisites.NewGoogleServiceAPIClient(ctx, logger)
	if err != nil {
		_ = iamClient.Close()
		_ = secretsClient.Close()
		return nil, nil, fmt.Errorf("failed to create serviceusage client: %w", err)
	}

	cleanup := func() {
		_ = apiClient.Close()
		_ = secretsClient.Close()
		_ = iamClient.Close()
	}

	orch := orchestration.NewOrchestrator(
		cfg,
		prerequisites.NewManager(apiClient, logger),
		iamClient,
		iam.NewManager(iamClient, cfg.Retry, logger),
		secretStore,
		func(ctx context.Context) reconcile.Outcome {
			return deployment.EnsureArtifactRegistryRepositoryExists(ctx, cfg.ProjectID, cfg.Region, cfg.Repository, logger)
		},
		runAPI,
		logger,
	)
	return orch, cleanup, nil
}

func printResults(logger zerolog.Logger, results []reconcile.UnitResult) {
	for _, r := range results {
		if r.Outcome.Err != nil {
			logger.Warn().Str("unit", r.Unit).Str("action", string(r.Outcome.Action)).
				Err(r.Outcome.Err).Msg("Unit result.")
			continue
		}
		logger.Info().Str("unit", r.Unit).Str("action", string(r.Outcome.Action)).Msg("Unit result.")
	}
}

func newDeployCommand(logger zerolog.Logger) *cobra.Command {
	flags := &configFlags{}
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Converge the full deployment (APIs, identity, secret, repository, service)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.resolveConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return exitWith(exitBadConfig, err)
			}

			ctx := cmd.Context()
			orch, cleanup, err := buildOrchestrator(ctx, cfg, logger)
			if err != nil {
				return exitWith(exitRemoteFailure, err)
			}
			defer cleanup()

			report, deployErr := orch.Deploy(ctx)
			printResults(logger, report.Results)

			if deployErr != nil {
				if report.TimedOut {
					return exitWith(exitNotReady, fmt.Errorf("deployed, but the service never became ready: %w", deployErr))
				}
				return exitWith(exitRemoteFailure, deployErr)
			}

			logger.Info().
				Str("service", cfg.ServiceName).
				Str("uri", report.ServiceURI).
				Str("project_number", report.ProjectNumber).
				Msg("Deployment converged.")
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newTeardownCommand(logger zerolog.Logger) *cobra.Command {
	flags := &configFlags{}
	var purgeSecret bool
	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Remove the service, its bindings and its runtime identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.resolveConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.ProjectID == "" {
				return exitWith(exitBadConfig, fmt.Errorf("project_id is required"))
			}

			ctx := cmd.Context()
			orch, cleanup, err := buildOrchestrator(ctx, cfg, logger)
			if err != nil {
				return exitWith(exitRemoteFailure, err)
			}
			defer cleanup()

			report, teardownErr := orch.Teardown(ctx, purgeSecret)
			printResults(logger, report.Results)
			if teardownErr != nil {
				return exitWith(exitRemoteFailure, teardownErr)
			}
			logger.Info().Str("service", cfg.ServiceName).Msg("Teardown complete.")
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&purgeSecret, "purge-secret", false, "Also delete the API-key secret")
	return cmd
}
