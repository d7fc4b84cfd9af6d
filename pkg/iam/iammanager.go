package iam

import (
	"context"
	"fmt"

	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"github.com/rs/zerolog"
)

// Manager applies desired IAM state through the generic reconciler: it
// ensures service accounts exist and converges (member, role) pairs on
// resource policies, tolerating concurrent actors.
type Manager struct {
	client     IAMClient
	reconciler *reconcile.Reconciler
	logger     zerolog.Logger
}

// NewManager creates a Manager. All remote calls run under the supplied
// retry policy.
func NewManager(client IAMClient, retry reconcile.RetryPolicy, logger zerolog.Logger) *Manager {
	managerLogger := logger.With().Str("component", "IAMManager").Logger()
	plane := &iamControlPlane{client: client}
	return &Manager{
		client:     client,
		reconciler: reconcile.NewReconciler(plane, retry, managerLogger),
		logger:     managerLogger,
	}
}

// EnsureServiceAccount creates the account if absent and returns its email
// along with the reconciliation outcome.
func (m *Manager) EnsureServiceAccount(ctx context.Context, accountName string) (string, reconcile.Outcome) {
	ref := reconcile.ResourceRef{Kind: reconcile.KindServiceAccount, ID: accountName}
	outcome := m.reconciler.Ensure(ctx, ref, accountName)
	if outcome.Err != nil {
		return "", outcome
	}
	return m.client.ServiceAccountEmail(accountName), outcome
}

// EnsureBinding converges a single desired binding on a resource policy.
func (m *Manager) EnsureBinding(ctx context.Context, binding reconcile.DesiredBinding) reconcile.Outcome {
	return m.reconciler.EnsureBinding(ctx, binding)
}

// ApplyBindings converges a set of desired bindings, returning one outcome
// per binding. It does not stop at the first failure; the caller inspects
// the outcomes.
func (m *Manager) ApplyBindings(ctx context.Context, bindings []reconcile.DesiredBinding) []reconcile.Outcome {
	outcomes := make([]reconcile.Outcome, 0, len(bindings))
	for _, binding := range bindings {
		m.logger.Info().
			Str("resource", binding.Resource.String()).
			Str("member", binding.Member).
			Str("role", binding.Role).
			Msg("Applying IAM binding...")
		outcomes = append(outcomes, m.EnsureBinding(ctx, binding))
	}
	return outcomes
}

// RemoveBinding revokes a (member, role) pair; absence is success.
func (m *Manager) RemoveBinding(ctx context.Context, binding reconcile.DesiredBinding) error {
	return m.client.RemoveResourceBinding(ctx, binding.Resource, binding.Role, binding.Member)
}

// DeleteServiceAccount removes the runtime account during teardown.
func (m *Manager) DeleteServiceAccount(ctx context.Context, accountName string) error {
	return m.client.DeleteServiceAccount(ctx, accountName)
}

// iamControlPlane adapts the low-level IAMClient to the generic
// reconcile.ControlPlane. Only the operations the IAM domain needs are
// supported; the rest report invalid desired state.
type iamControlPlane struct {
	client IAMClient
}

func (p *iamControlPlane) Observe(ctx context.Context, ref reconcile.ResourceRef, _ any) (reconcile.Observation, error) {
	switch ref.Kind {
	case reconcile.KindServiceAccount:
		exists, err := p.client.GetServiceAccount(ctx, ref.ID)
		if err != nil {
			return reconcile.Observation{}, err
		}
		if !exists {
			return reconcile.Observation{State: reconcile.StateAbsent}, nil
		}
		// A service account has no mutable desired payload here; present
		// means conforming.
		return reconcile.Observation{State: reconcile.StatePresent, Conforming: true}, nil
	default:
		return reconcile.Observation{}, &reconcile.ValidationError{Err: fmt.Errorf("cannot observe resource kind %s through the IAM plane", ref.Kind)}
	}
}

func (p *iamControlPlane) Create(ctx context.Context, ref reconcile.ResourceRef, _ any) error {
	switch ref.Kind {
	case reconcile.KindServiceAccount:
		_, err := p.client.CreateServiceAccount(ctx, ref.ID)
		return err
	default:
		return &reconcile.ValidationError{Err: fmt.Errorf("cannot create resource kind %s through the IAM plane", ref.Kind)}
	}
}

func (p *iamControlPlane) Update(_ context.Context, ref reconcile.ResourceRef, _ any) error {
	return &reconcile.ValidationError{Err: fmt.Errorf("resource kind %s has no update operation on the IAM plane", ref.Kind)}
}

func (p *iamControlPlane) AddBinding(ctx context.Context, binding reconcile.DesiredBinding) error {
	return p.client.AddResourceBinding(ctx, binding.Resource, binding.Role, binding.Member)
}

func (p *iamControlPlane) GetPolicy(ctx context.Context, ref reconcile.ResourceRef) (*reconcile.Policy, error) {
	return p.client.GetResourcePolicy(ctx, ref)
}
