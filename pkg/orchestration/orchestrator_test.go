package orchestration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/EphemeralEpoch/smart-book-gist/pkg/orchestration"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/prerequisites"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/run/v2"
)

// fakeWorld is an in-memory control plane covering every collaborator the
// orchestrator drives, with mutation counters for idempotence checks.
type fakeWorld struct {
	serviceAccounts map[string]bool
	secrets         map[string]string
	bindings        map[string]bool // "kind/id|role|member"
	repoExists      bool
	serviceDeployed bool

	saCreates      int
	secretWrites   int
	bindingWrites  int
	deployCalls    int
	readinessPolls int

	notReadyPolls int
	secretErr     error
	invokerErr    error

	removedBindings []string
	deletedSA       bool
	deletedService  bool
	deletedSecret   bool
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		serviceAccounts: map[string]bool{},
		secrets:         map[string]string{},
		bindings:        map[string]bool{},
	}
}

func (w *fakeWorld) mutations() int {
	return w.saCreates + w.secretWrites + w.bindingWrites
}

// IAMStore

func (w *fakeWorld) EnsureServiceAccount(_ context.Context, name string) (string, reconcile.Outcome) {
	ref := reconcile.ResourceRef{Kind: reconcile.KindServiceAccount, ID: name}
	email := name + "@my-project.iam.gserviceaccount.com"
	if w.serviceAccounts[name] {
		return email, reconcile.Outcome{Resource: ref, Action: reconcile.ActionAlreadyExists}
	}
	w.serviceAccounts[name] = true
	w.saCreates++
	return email, reconcile.Outcome{Resource: ref, Action: reconcile.ActionCreated}
}

func (w *fakeWorld) EnsureBinding(_ context.Context, b reconcile.DesiredBinding) reconcile.Outcome {
	if b.Role == "roles/run.invoker" && w.invokerErr != nil {
		return reconcile.Outcome{Resource: b.Resource, Action: reconcile.ActionFailed, Err: w.invokerErr}
	}
	key := b.Resource.String() + "|" + b.Role + "|" + b.Member
	if w.bindings[key] {
		return reconcile.Outcome{Resource: b.Resource, Action: reconcile.ActionAlreadyBound}
	}
	w.bindings[key] = true
	w.bindingWrites++
	return reconcile.Outcome{Resource: b.Resource, Action: reconcile.ActionBound}
}

func (w *fakeWorld) RemoveBinding(_ context.Context, b reconcile.DesiredBinding) error {
	w.removedBindings = append(w.removedBindings, b.Role)
	return nil
}

func (w *fakeWorld) DeleteServiceAccount(context.Context, string) error {
	w.deletedSA = true
	return nil
}

// ProjectResolver

func (w *fakeWorld) ProjectNumber(context.Context) (string, error) {
	return "123456789012", nil
}

// SecretStore

func (w *fakeWorld) EnsureSecretWithValue(_ context.Context, secretID, value string) reconcile.Outcome {
	ref := reconcile.ResourceRef{Kind: reconcile.KindSecret, ID: secretID}
	if w.secretErr != nil {
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionFailed, Err: w.secretErr}
	}
	if current, ok := w.secrets[secretID]; ok && current == value {
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionAlreadyExists}
	}
	_, existed := w.secrets[secretID]
	w.secrets[secretID] = value
	w.secretWrites++
	if existed {
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionUpdated}
	}
	return reconcile.Outcome{Resource: ref, Action: reconcile.ActionCreated}
}

func (w *fakeWorld) DeleteSecret(context.Context, string) error {
	w.deletedSecret = true
	return nil
}

// APIEnabler

func (w *fakeWorld) CheckAndEnable(context.Context, string, prerequisites.DeploymentShape) error {
	return nil
}

// RepositoryEnsurer

func (w *fakeWorld) ensureRepository(context.Context) reconcile.Outcome {
	ref := reconcile.ResourceRef{Kind: reconcile.KindRepository, ID: "smart-book-gist"}
	if w.repoExists {
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionAlreadyExists}
	}
	w.repoExists = true
	return reconcile.Outcome{Resource: ref, Action: reconcile.ActionCreated}
}

// CloudRunAPI

func (w *fakeWorld) CreateOrUpdateService(context.Context, string, *run.GoogleCloudRunV2Service) error {
	w.deployCalls++
	w.serviceDeployed = true
	return nil
}

func (w *fakeWorld) ServiceURI(context.Context, string) (string, error) {
	return "https://smart-book-gist-abc123-uc.a.run.app", nil
}

func (w *fakeWorld) LatestRevisionStatus(context.Context, string) (bool, []string, error) {
	w.readinessPolls++
	if w.readinessPolls <= w.notReadyPolls {
		return false, []string{"Ready=CONDITION_PENDING: provisioning"}, nil
	}
	return true, nil, nil
}

func (w *fakeWorld) DeleteService(context.Context, string) error {
	w.deletedService = true
	return nil
}

func testConfig() orchestration.Config {
	cfg := orchestration.NewDefaultConfig()
	cfg.ProjectID = "my-project"
	cfg.Image = "us-central1-docker.pkg.dev/my-project/smart-book-gist/gist:v1"
	cfg.SecretValue = "gsk_abc"
	cfg.ReadinessInterval = time.Millisecond
	cfg.ReadinessDeadline = 100 * time.Millisecond
	cfg.Retry = reconcile.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 2}
	return cfg
}

func newTestOrchestrator(cfg orchestration.Config, w *fakeWorld) *orchestration.Orchestrator {
	return orchestration.NewOrchestrator(cfg, w, w, w, w, w.ensureRepository, w, zerolog.Nop())
}

func unitActions(results []reconcile.UnitResult) map[string]reconcile.Action {
	actions := make(map[string]reconcile.Action, len(results))
	for _, r := range results {
		actions[r.Unit] = r.Outcome.Action
	}
	return actions
}

func TestOrchestrator_Deploy_ConvergesFromNothing(t *testing.T) {
	world := newFakeWorld()
	orch := newTestOrchestrator(testConfig(), world)

	report, err := orch.Deploy(context.Background())
	require.NoError(t, err)

	actions := unitActions(report.Results)
	assert.Equal(t, reconcile.ActionCreated, actions["service-account"])
	assert.Equal(t, reconcile.ActionCreated, actions["secret"])
	assert.Equal(t, reconcile.ActionBound, actions["secret-accessor-grant"])
	assert.Equal(t, reconcile.ActionCreated, actions["repository"])
	assert.Equal(t, reconcile.ActionBound, actions["repository-reader-grant"])
	assert.Equal(t, reconcile.ActionUpdated, actions["deploy-service"])
	assert.Equal(t, reconcile.ActionBound, actions["invoker-grant"])

	assert.Equal(t, "123456789012", report.ProjectNumber)
	assert.Equal(t, "https://smart-book-gist-abc123-uc.a.run.app", report.ServiceURI)
	assert.False(t, report.TimedOut)

	assert.True(t, world.bindings["service/smart-book-gist|roles/run.invoker|allUsers"],
		"allow-unauthenticated must grant invoker to allUsers")
}

func TestOrchestrator_Deploy_SecondRunMakesNoMutations(t *testing.T) {
	world := newFakeWorld()
	orch := newTestOrchestrator(testConfig(), world)

	_, err := orch.Deploy(context.Background())
	require.NoError(t, err)
	mutationsAfterFirst := world.mutations()

	report, err := orch.Deploy(context.Background())
	require.NoError(t, err)

	assert.Equal(t, mutationsAfterFirst, world.mutations(),
		"a converged deployment must not mutate remote state again")
	actions := unitActions(report.Results)
	assert.Equal(t, reconcile.ActionAlreadyExists, actions["service-account"])
	assert.Equal(t, reconcile.ActionAlreadyExists, actions["secret"])
	assert.Equal(t, reconcile.ActionAlreadyBound, actions["secret-accessor-grant"])
}

func TestOrchestrator_Deploy_SecretFailureSkipsDependentsOnly(t *testing.T) {
	world := newFakeWorld()
	world.secretErr = &reconcile.PermissionError{Err: errors.New("caller lacks secretmanager.secrets.create")}
	orch := newTestOrchestrator(testConfig(), world)

	report, err := orch.Deploy(context.Background())
	require.Error(t, err)

	actions := unitActions(report.Results)
	assert.Equal(t, reconcile.ActionFailed, actions["secret"])
	assert.Equal(t, reconcile.ActionSkipped, actions["secret-accessor-grant"])
	assert.Equal(t, reconcile.ActionSkipped, actions["deploy-service"])
	assert.Equal(t, reconcile.ActionSkipped, actions["await-ready"])

	// Independent branches still converge.
	assert.Equal(t, reconcile.ActionCreated, actions["service-account"])
	assert.Equal(t, reconcile.ActionCreated, actions["repository"])
	assert.Zero(t, world.deployCalls)
}

func TestOrchestrator_Deploy_InvokerGrantFailureIsNonFatalByDefault(t *testing.T) {
	world := newFakeWorld()
	world.invokerErr = &reconcile.PermissionError{Err: errors.New("caller lacks run.services.setIamPolicy")}
	orch := newTestOrchestrator(testConfig(), world)

	report, err := orch.Deploy(context.Background())
	require.NoError(t, err, "a failed invoker grant must not fail the run by default")

	actions := unitActions(report.Results)
	assert.Equal(t, reconcile.ActionFailed, actions["invoker-grant"])
	assert.Equal(t, reconcile.ActionAlreadyExists, actions["await-ready"])
}

func TestOrchestrator_Deploy_InvokerGrantFailureFatalWhenConfigured(t *testing.T) {
	world := newFakeWorld()
	world.invokerErr = &reconcile.PermissionError{Err: errors.New("caller lacks run.services.setIamPolicy")}
	cfg := testConfig()
	cfg.GrantFailureFatal = true
	orch := newTestOrchestrator(cfg, world)

	_, err := orch.Deploy(context.Background())
	require.Error(t, err)
}

func TestOrchestrator_Deploy_ReadinessTimeoutIsDistinct(t *testing.T) {
	world := newFakeWorld()
	world.notReadyPolls = 1000
	orch := newTestOrchestrator(testConfig(), world)

	report, err := orch.Deploy(context.Background())
	require.Error(t, err)
	assert.True(t, report.TimedOut, "timeout must be reported distinctly from a deploy failure")
	assert.True(t, world.serviceDeployed, "the deploy itself succeeded")
}

func TestOrchestrator_Teardown_KeepsSecretByDefault(t *testing.T) {
	world := newFakeWorld()
	orch := newTestOrchestrator(testConfig(), world)

	report, err := orch.Teardown(context.Background(), false)
	require.NoError(t, err)

	assert.True(t, world.deletedService)
	assert.True(t, world.deletedSA)
	assert.False(t, world.deletedSecret, "the secret outlives the deployment unless purged")
	assert.Contains(t, world.removedBindings, "roles/secretmanager.secretAccessor")
	assert.Contains(t, world.removedBindings, "roles/artifactregistry.reader")
	assert.Len(t, report.Results, 4)
}

func TestOrchestrator_Teardown_PurgeRemovesSecret(t *testing.T) {
	world := newFakeWorld()
	orch := newTestOrchestrator(testConfig(), world)

	_, err := orch.Teardown(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, world.deletedSecret)
}
