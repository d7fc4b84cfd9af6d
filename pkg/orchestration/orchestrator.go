package orchestration

import (
	"context"
	"fmt"

	"github.com/EphemeralEpoch/smart-book-gist/pkg/deployment"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/prerequisites"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"github.com/rs/zerolog"
)

// IAMStore is the slice of the IAM manager the orchestrator drives.
type IAMStore interface {
	EnsureServiceAccount(ctx context.Context, accountName string) (string, reconcile.Outcome)
	EnsureBinding(ctx context.Context, binding reconcile.DesiredBinding) reconcile.Outcome
	RemoveBinding(ctx context.Context, binding reconcile.DesiredBinding) error
	DeleteServiceAccount(ctx context.Context, accountName string) error
}

// ProjectResolver resolves project metadata needed during a run.
type ProjectResolver interface {
	ProjectNumber(ctx context.Context) (string, error)
}

// SecretStore converges the API-key secret.
type SecretStore interface {
	EnsureSecretWithValue(ctx context.Context, secretID, value string) reconcile.Outcome
	DeleteSecret(ctx context.Context, secretID string) error
}

// APIEnabler converges the set of enabled cloud service APIs.
type APIEnabler interface {
	CheckAndEnable(ctx context.Context, projectID string, shape prerequisites.DeploymentShape) error
}

// RepositoryEnsurer converges the Artifact Registry repository.
type RepositoryEnsurer func(ctx context.Context) reconcile.Outcome

// DeployReport is the end-of-run summary of a deploy.
type DeployReport struct {
	Results       []reconcile.UnitResult
	ProjectNumber string
	ServiceURI    string
	// TimedOut is set when every reconciliation step converged but the new
	// revision did not become ready within the deadline.
	TimedOut bool
}

// TeardownReport summarizes a teardown run.
type TeardownReport struct {
	Results []reconcile.UnitResult
}

// Orchestrator evaluates the deployment as a DAG of reconciliation units
// and reverses it on teardown.
type Orchestrator struct {
	cfg     Config
	prereqs APIEnabler
	project ProjectResolver
	iam     IAMStore
	secrets SecretStore
	repos   RepositoryEnsurer
	runAPI  deployment.CloudRunAPI
	logger  zerolog.Logger
}

// NewOrchestrator wires the orchestrator from its collaborators. cfg must
// already be validated.
func NewOrchestrator(
	cfg Config,
	prereqs APIEnabler,
	project ProjectResolver,
	iamStore IAMStore,
	secretStore SecretStore,
	repos RepositoryEnsurer,
	runAPI deployment.CloudRunAPI,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		prereqs: prereqs,
		project: project,
		iam:     iamStore,
		secrets: secretStore,
		repos:   repos,
		runAPI:  runAPI,
		logger:  logger.With().Str("component", "Orchestrator").Logger(),
	}
}

// Deploy converges the full deployment. Rerunning against converged remote
// state performs no mutating calls and reports every unit as already
// satisfied. The returned error is non-nil when a critical unit failed;
// readiness timeout is reported through the report, not the error.
func (o *Orchestrator) Deploy(ctx context.Context) (*DeployReport, error) {
	report := &DeployReport{}
	var saEmail string

	serviceRef := reconcile.ResourceRef{Kind: reconcile.KindService, ID: o.cfg.ServiceName}
	secretRef := reconcile.ResourceRef{Kind: reconcile.KindSecret, ID: o.cfg.SecretName}
	repoRef := reconcile.ResourceRef{Kind: reconcile.KindRepository, ID: o.cfg.Repository}

	units := []reconcile.Unit{
		{
			Name:     "enable-apis",
			Critical: o.cfg.APIEnableFatal,
			Run: func(ctx context.Context) reconcile.Outcome {
				err := o.prereqs.CheckAndEnable(ctx, o.cfg.ProjectID, prerequisites.DeploymentShape{
					ManagesRepository:     true,
					UsesSecretEnvironment: true,
				})
				if err != nil {
					return reconcile.Outcome{Action: reconcile.ActionFailed, Err: err}
				}
				return reconcile.Outcome{Action: reconcile.ActionAlreadyExists}
			},
		},
		{
			Name:     "project-number",
			Critical: true,
			Run: func(ctx context.Context) reconcile.Outcome {
				number, err := o.project.ProjectNumber(ctx)
				if err != nil {
					return reconcile.Outcome{Action: reconcile.ActionFailed,
						Err: fmt.Errorf("failed to resolve project number: %w", err)}
				}
				report.ProjectNumber = number
				return reconcile.Outcome{Action: reconcile.ActionAlreadyExists}
			},
		},
		{
			Name:     "service-account",
			Critical: true,
			Run: func(ctx context.Context) reconcile.Outcome {
				email, outcome := o.iam.EnsureServiceAccount(ctx, o.cfg.ServiceAccountName())
				saEmail = email
				return outcome
			},
		},
		{
			Name:     "secret",
			Critical: true,
			Run: func(ctx context.Context) reconcile.Outcome {
				return o.secrets.EnsureSecretWithValue(ctx, o.cfg.SecretName, o.cfg.SecretValue)
			},
		},
		{
			Name:      "secret-accessor-grant",
			DependsOn: []string{"service-account", "secret"},
			Critical:  true,
			Run: func(ctx context.Context) reconcile.Outcome {
				return o.iam.EnsureBinding(ctx, reconcile.DesiredBinding{
					Resource: secretRef,
					Role:     "roles/secretmanager.secretAccessor",
					Member:   "serviceAccount:" + saEmail,
				})
			},
		},
		{
			Name:     "repository",
			Critical: true,
			Run: func(ctx context.Context) reconcile.Outcome {
				return o.repos(ctx)
			},
		},
		{
			Name:      "repository-reader-grant",
			DependsOn: []string{"service-account", "repository"},
			Critical:  true,
			Run: func(ctx context.Context) reconcile.Outcome {
				return o.iam.EnsureBinding(ctx, reconcile.DesiredBinding{
					Resource: repoRef,
					Role:     "roles/artifactregistry.reader",
					Member:   "serviceAccount:" + saEmail,
				})
			},
		},
		{
			Name:      "deploy-service",
			DependsOn: []string{"secret-accessor-grant", "repository-reader-grant"},
			Critical:  true,
			Run: func(ctx context.Context) reconcile.Outcome {
				serviceConfig := deployment.BuildServiceConfig(deployment.ServiceSpec{
					Image:               o.cfg.Image,
					ServiceAccountEmail: saEmail,
					Port:                8080,
					Memory:              o.cfg.Memory,
					CPU:                 o.cfg.CPU,
					Concurrency:         o.cfg.Concurrency,
					TimeoutSeconds:      o.cfg.TimeoutSeconds,
					MinInstances:        o.cfg.MinInstances,
					MaxInstances:        o.cfg.MaxInstances,
					EnvironmentVars:     o.cfg.EnvironmentVars,
					SecretEnvironmentVars: map[string]string{
						"GROQ_API_KEY": o.cfg.SecretName,
					},
				})
				err := o.runAPI.CreateOrUpdateService(ctx, o.cfg.ServiceName, serviceConfig)
				if err != nil {
					return reconcile.Outcome{Resource: serviceRef, Action: reconcile.ActionFailed,
						Err: fmt.Errorf("failed to deploy Cloud Run service: %w", err)}
				}
				if uri, uriErr := o.runAPI.ServiceURI(ctx, o.cfg.ServiceName); uriErr == nil {
					report.ServiceURI = uri
				}
				return reconcile.Outcome{Resource: serviceRef, Action: reconcile.ActionUpdated}
			},
		},
		{
			Name:      "invoker-grant",
			DependsOn: []string{"deploy-service"},
			Critical:  o.cfg.GrantFailureFatal,
			Run: func(ctx context.Context) reconcile.Outcome {
				return o.grantInvokers(ctx, serviceRef)
			},
		},
		{
			Name:      "await-ready",
			DependsOn: []string{"deploy-service"},
			Critical:  true,
			Run: func(ctx context.Context) reconcile.Outcome {
				status, err := deployment.AwaitServiceReady(ctx, o.runAPI, o.cfg.ServiceName,
					o.cfg.ReadinessInterval, o.cfg.ReadinessDeadline, o.logger)
				if err != nil {
					return reconcile.Outcome{Resource: serviceRef, Action: reconcile.ActionFailed, Err: err}
				}
				if status == reconcile.TimedOut {
					report.TimedOut = true
					return reconcile.Outcome{Resource: serviceRef, Action: reconcile.ActionFailed,
						Err: fmt.Errorf("service %q did not become ready within %s", o.cfg.ServiceName, o.cfg.ReadinessDeadline)}
				}
				return reconcile.Outcome{Resource: serviceRef, Action: reconcile.ActionAlreadyExists}
			},
		},
	}

	runner := reconcile.NewRunner(units, o.logger)
	results, err := runner.Run(ctx)
	report.Results = results
	return report, err
}

// grantInvokers converges run.invoker for every configured principal. All
// members are attempted; the worst outcome wins.
func (o *Orchestrator) grantInvokers(ctx context.Context, serviceRef reconcile.ResourceRef) reconcile.Outcome {
	summary := reconcile.Outcome{Resource: serviceRef, Action: reconcile.ActionAlreadyBound}
	for _, member := range o.invokerMembers() {
		outcome := o.iam.EnsureBinding(ctx, reconcile.DesiredBinding{
			Resource: serviceRef,
			Role:     "roles/run.invoker",
			Member:   member,
		})
		if outcome.Err != nil {
			return outcome
		}
		if outcome.Action == reconcile.ActionBound {
			summary.Action = reconcile.ActionBound
		}
	}
	return summary
}

func (o *Orchestrator) invokerMembers() []string {
	if o.cfg.AllowUnauthenticated {
		return []string{"allUsers"}
	}
	return o.cfg.InvokerMembers
}

// Teardown reverses the deployment: the service goes first, then the
// bindings it depended on, then the runtime identity. The secret is kept
// unless purgeSecret is set; its value outlives any one deployment. Every
// step is attempted even when an earlier one fails.
func (o *Orchestrator) Teardown(ctx context.Context, purgeSecret bool) (*TeardownReport, error) {
	report := &TeardownReport{}
	saEmail := "serviceAccount:" + o.serviceAccountEmailForTeardown(ctx)

	serviceRef := reconcile.ResourceRef{Kind: reconcile.KindService, ID: o.cfg.ServiceName}
	secretRef := reconcile.ResourceRef{Kind: reconcile.KindSecret, ID: o.cfg.SecretName}
	repoRef := reconcile.ResourceRef{Kind: reconcile.KindRepository, ID: o.cfg.Repository}

	steps := []struct {
		name string
		ref  reconcile.ResourceRef
		run  func(ctx context.Context) error
	}{
		{"delete-service", serviceRef, func(ctx context.Context) error {
			return o.runAPI.DeleteService(ctx, o.cfg.ServiceName)
		}},
		{"remove-accessor-grant", secretRef, func(ctx context.Context) error {
			return o.iam.RemoveBinding(ctx, reconcile.DesiredBinding{
				Resource: secretRef, Role: "roles/secretmanager.secretAccessor", Member: saEmail,
			})
		}},
		{"remove-reader-grant", repoRef, func(ctx context.Context) error {
			return o.iam.RemoveBinding(ctx, reconcile.DesiredBinding{
				Resource: repoRef, Role: "roles/artifactregistry.reader", Member: saEmail,
			})
		}},
		{"delete-service-account", reconcile.ResourceRef{Kind: reconcile.KindServiceAccount, ID: o.cfg.ServiceAccountName()}, func(ctx context.Context) error {
			return o.iam.DeleteServiceAccount(ctx, o.cfg.ServiceAccountName())
		}},
	}
	if purgeSecret {
		steps = append(steps, struct {
			name string
			ref  reconcile.ResourceRef
			run  func(ctx context.Context) error
		}{"delete-secret", secretRef, func(ctx context.Context) error {
			return o.secrets.DeleteSecret(ctx, o.cfg.SecretName)
		}})
	} else {
		o.logger.Info().Str("secret", o.cfg.SecretName).Msg("Keeping secret; pass purge to remove it.")
	}

	var failures int
	for _, step := range steps {
		err := step.run(ctx)
		outcome := reconcile.Outcome{Resource: step.ref}
		if err != nil {
			failures++
			outcome.Action = reconcile.ActionFailed
			outcome.Err = err
			o.logger.Error().Err(err).Str("step", step.name).Msg("Teardown step failed, continuing.")
		} else {
			outcome.Action = reconcile.ActionUpdated
			o.logger.Info().Str("step", step.name).Msg("Teardown step complete.")
		}
		report.Results = append(report.Results, reconcile.UnitResult{Unit: step.name, Outcome: outcome})
	}

	if failures > 0 {
		return report, fmt.Errorf("%d teardown step(s) failed", failures)
	}
	return report, nil
}

// serviceAccountEmailForTeardown derives the runtime SA email without a
// remote call; binding removal on an absent member is already a no-op.
func (o *Orchestrator) serviceAccountEmailForTeardown(_ context.Context) string {
	return fmt.Sprintf("%s@%s.iam.gserviceaccount.com", o.cfg.ServiceAccountName(), o.cfg.ProjectID)
}
