package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControlPlane is an in-memory remote platform. It counts mutating
// calls so tests can assert idempotence, and can simulate a concurrent
// external actor racing the reconciler.
type fakeControlPlane struct {
	resources map[reconcile.ResourceRef]any
	policies  map[reconcile.ResourceRef]*reconcile.Policy

	createCalls  int
	updateCalls  int
	bindingCalls int

	// beforeCreate runs between the reconciler's observe and its create,
	// simulating interference from a concurrent actor.
	beforeCreate func()
	observeErr   error
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		resources: make(map[reconcile.ResourceRef]any),
		policies:  make(map[reconcile.ResourceRef]*reconcile.Policy),
	}
}

func (f *fakeControlPlane) mutatingCalls() int {
	return f.createCalls + f.updateCalls + f.bindingCalls
}

func (f *fakeControlPlane) Observe(_ context.Context, ref reconcile.ResourceRef, desired any) (reconcile.Observation, error) {
	if f.observeErr != nil {
		return reconcile.Observation{}, f.observeErr
	}
	current, ok := f.resources[ref]
	if !ok {
		return reconcile.Observation{State: reconcile.StateAbsent}, nil
	}
	return reconcile.Observation{State: reconcile.StatePresent, Conforming: current == desired}, nil
}

func (f *fakeControlPlane) Create(_ context.Context, ref reconcile.ResourceRef, desired any) error {
	if f.beforeCreate != nil {
		f.beforeCreate()
		f.beforeCreate = nil
	}
	f.createCalls++
	if _, ok := f.resources[ref]; ok {
		return &reconcile.ConflictError{Err: fmt.Errorf("resource %s already exists", ref)}
	}
	f.resources[ref] = desired
	return nil
}

func (f *fakeControlPlane) Update(_ context.Context, ref reconcile.ResourceRef, desired any) error {
	f.updateCalls++
	f.resources[ref] = desired
	return nil
}

func (f *fakeControlPlane) AddBinding(_ context.Context, binding reconcile.DesiredBinding) error {
	f.bindingCalls++
	policy := f.policies[binding.Resource]
	if policy == nil {
		policy = reconcile.NewPolicy()
		f.policies[binding.Resource] = policy
	}
	if policy.Has(binding.Role, binding.Member) {
		return &reconcile.ConflictError{Err: errors.New("binding already present")}
	}
	policy.Add(binding.Role, binding.Member)
	return nil
}

func (f *fakeControlPlane) GetPolicy(_ context.Context, ref reconcile.ResourceRef) (*reconcile.Policy, error) {
	if policy, ok := f.policies[ref]; ok {
		return policy, nil
	}
	return reconcile.NewPolicy(), nil
}

func testPolicy() reconcile.RetryPolicy {
	return reconcile.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 2}
}

func TestReconciler_EnsureIsIdempotent(t *testing.T) {
	plane := newFakeControlPlane()
	r := reconcile.NewReconciler(plane, testPolicy(), zerolog.Nop())
	ref := reconcile.ResourceRef{Kind: reconcile.KindSecret, ID: "groq-api-key"}

	first := r.Ensure(context.Background(), ref, "payload-v1")
	require.NoError(t, first.Err)
	assert.Equal(t, reconcile.ActionCreated, first.Action)
	mutationsAfterFirst := plane.mutatingCalls()

	second := r.Ensure(context.Background(), ref, "payload-v1")
	require.NoError(t, second.Err)
	assert.Equal(t, reconcile.ActionAlreadyExists, second.Action)
	assert.Equal(t, mutationsAfterFirst, plane.mutatingCalls(),
		"a conforming resource must trigger zero mutating calls")
}

func TestReconciler_UpdatesNonconformingResource(t *testing.T) {
	plane := newFakeControlPlane()
	r := reconcile.NewReconciler(plane, testPolicy(), zerolog.Nop())
	ref := reconcile.ResourceRef{Kind: reconcile.KindService, ID: "smart-book-gist"}

	require.Equal(t, reconcile.ActionCreated, r.Ensure(context.Background(), ref, "image:v1").Action)

	outcome := r.Ensure(context.Background(), ref, "image:v2")
	require.NoError(t, outcome.Err)
	assert.Equal(t, reconcile.ActionUpdated, outcome.Action)
	assert.Equal(t, "image:v2", plane.resources[ref])
}

func TestReconciler_ConcurrentCreateIsNotAFailure(t *testing.T) {
	plane := newFakeControlPlane()
	r := reconcile.NewReconciler(plane, testPolicy(), zerolog.Nop())
	ref := reconcile.ResourceRef{Kind: reconcile.KindServiceAccount, ID: "gist-sa"}

	// Another actor creates the resource after our observe but before our
	// create call lands.
	plane.beforeCreate = func() {
		plane.resources[ref] = "payload"
	}

	outcome := r.Ensure(context.Background(), ref, "payload")
	require.NoError(t, outcome.Err)
	assert.Equal(t, reconcile.ActionAlreadyExists, outcome.Action)
}

func TestReconciler_ObserveRetriesTransientFailures(t *testing.T) {
	plane := newFakeControlPlane()
	plane.observeErr = &reconcile.TransientError{Err: errors.New("rate limited")}
	r := reconcile.NewReconciler(plane, testPolicy(), zerolog.Nop())
	ref := reconcile.ResourceRef{Kind: reconcile.KindRepository, ID: "smart-book-gist"}

	outcome := r.Ensure(context.Background(), ref, "docker")
	assert.Equal(t, reconcile.ActionFailed, outcome.Action)
	var exhausted *reconcile.RetryExhaustedError
	require.ErrorAs(t, outcome.Err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestReconciler_PermissionFailureIsTerminal(t *testing.T) {
	plane := newFakeControlPlane()
	plane.observeErr = &reconcile.PermissionError{Err: errors.New("read denied")}
	r := reconcile.NewReconciler(plane, testPolicy(), zerolog.Nop())
	ref := reconcile.ResourceRef{Kind: reconcile.KindSecret, ID: "groq-api-key"}

	outcome := r.Ensure(context.Background(), ref, "v")
	assert.Equal(t, reconcile.ActionFailed, outcome.Action)
	assert.True(t, reconcile.IsPermission(outcome.Err))
}

// TestReconciler_SecretAccessorScenario walks the full two-member binding
// flow: both grants land on the first run, and a re-run observes the policy
// and leaves it untouched.
func TestReconciler_SecretAccessorScenario(t *testing.T) {
	plane := newFakeControlPlane()
	r := reconcile.NewReconciler(plane, testPolicy(), zerolog.Nop())

	secret := reconcile.ResourceRef{Kind: reconcile.KindSecret, ID: "k"}
	bindings := []reconcile.DesiredBinding{
		{Resource: secret, Member: "serviceAccount:svc-a", Role: "roles/secretmanager.secretAccessor"},
		{Resource: secret, Member: "serviceAccount:svc-b", Role: "roles/secretmanager.secretAccessor"},
	}

	for _, b := range bindings {
		outcome := r.EnsureBinding(context.Background(), b)
		require.NoError(t, outcome.Err)
		assert.Equal(t, reconcile.ActionBound, outcome.Action)
	}

	policy, err := plane.GetPolicy(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"serviceAccount:svc-a", "serviceAccount:svc-b"},
		policy.Members("roles/secretmanager.secretAccessor"),
		"final policy contains exactly both members")

	mutationsAfterFirstRun := plane.mutatingCalls()
	for _, b := range bindings {
		outcome := r.EnsureBinding(context.Background(), b)
		require.NoError(t, outcome.Err)
		assert.Equal(t, reconcile.ActionAlreadyBound, outcome.Action)
	}
	assert.Equal(t, mutationsAfterFirstRun, plane.mutatingCalls(),
		"the re-run must not touch the remote policy")
}

func TestPolicy_MembershipIsSetBased(t *testing.T) {
	policy := reconcile.NewPolicy()
	policy.Add("roles/run.invoker", "serviceAccount:a@p.iam.gserviceaccount.com")

	// A member whose identifier is a prefix of an existing one must not
	// match: membership is exact, not substring.
	assert.False(t, policy.Has("roles/run.invoker", "serviceAccount:a@p.iam"))
	assert.False(t, policy.Has("roles/run.admin", "serviceAccount:a@p.iam.gserviceaccount.com"))
	assert.True(t, policy.Has("roles/run.invoker", "serviceAccount:a@p.iam.gserviceaccount.com"))

	policy.Add("roles/run.invoker", "serviceAccount:a@p.iam.gserviceaccount.com")
	assert.Len(t, policy.Members("roles/run.invoker"), 1, "re-adding a member is a no-op")
}
