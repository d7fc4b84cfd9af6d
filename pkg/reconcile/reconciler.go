package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// Policy is a structured view of a resource's IAM policy: role names mapped
// to unordered member sets. Membership tests compare sets, never raw policy
// text.
type Policy struct {
	bindings map[string]map[string]struct{}
}

// NewPolicy returns an empty policy.
func NewPolicy() *Policy {
	return &Policy{bindings: make(map[string]map[string]struct{})}
}

// Add records that member holds role. Adding an existing pair is a no-op.
func (p *Policy) Add(role, member string) {
	if p.bindings[role] == nil {
		p.bindings[role] = make(map[string]struct{})
	}
	p.bindings[role][member] = struct{}{}
}

// Has reports whether the (member, role) pair is present.
func (p *Policy) Has(role, member string) bool {
	_, ok := p.bindings[role][member]
	return ok
}

// Members returns the sorted member list for a role.
func (p *Policy) Members(role string) []string {
	members := make([]string, 0, len(p.bindings[role]))
	for m := range p.bindings[role] {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

// Observer queries remote state for a resource. Implementations must never
// mutate remote state. Failures are classified: transient errors may be
// retried by the caller, permission errors surface to the operator.
type Observer interface {
	Observe(ctx context.Context, ref ResourceRef, desired any) (Observation, error)
}

// ControlPlane is the abstract remote API a Reconciler converges against.
// Implementations must pass their raw errors through Classify so the
// reconciler can tell transient, conflict, and permanent failures apart.
type ControlPlane interface {
	Observer
	Create(ctx context.Context, ref ResourceRef, desired any) error
	Update(ctx context.Context, ref ResourceRef, desired any) error
	AddBinding(ctx context.Context, binding DesiredBinding) error
	GetPolicy(ctx context.Context, ref ResourceRef) (*Policy, error)
}

// Reconciler compares desired against observed state and issues the
// minimal set of mutating calls to converge. Repeated invocation with
// unchanged input produces unchanged remote state and zero mutating calls
// after the first.
type Reconciler struct {
	plane  ControlPlane
	policy RetryPolicy
	logger zerolog.Logger
}

// NewReconciler creates a Reconciler. Every remote call it makes runs under
// the supplied retry policy.
func NewReconciler(plane ControlPlane, policy RetryPolicy, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		plane:  plane,
		policy: policy,
		logger: logger.With().Str("component", "Reconciler").Logger(),
	}
}

// Ensure converges a single resource: absent resources are created, present
// nonconforming resources are updated, present conforming resources are
// left untouched. A conflict response from a mutating call means another
// actor converged the resource first and is reported as success.
func (r *Reconciler) Ensure(ctx context.Context, ref ResourceRef, desired any) Outcome {
	var obs Observation
	err := WithRetry(ctx, r.policy, func(ctx context.Context) error {
		var observeErr error
		obs, observeErr = r.plane.Observe(ctx, ref, desired)
		return observeErr
	})
	if err != nil {
		return Outcome{Resource: ref, Action: ActionFailed, Err: fmt.Errorf("observe %s: %w", ref, err)}
	}

	switch {
	case obs.State == StatePresent && obs.Conforming:
		r.logger.Debug().Str("resource", ref.String()).Msg("Resource already conforms, nothing to do.")
		return Outcome{Resource: ref, Action: ActionAlreadyExists}

	case obs.State == StatePresent:
		err = WithRetry(ctx, r.policy, func(ctx context.Context) error {
			return r.plane.Update(ctx, ref, desired)
		})
		if IsConflict(err) {
			return Outcome{Resource: ref, Action: ActionAlreadyExists}
		}
		if err != nil {
			return Outcome{Resource: ref, Action: ActionFailed, Err: fmt.Errorf("update %s: %w", ref, err)}
		}
		return Outcome{Resource: ref, Action: ActionUpdated}

	default:
		err = WithRetry(ctx, r.policy, func(ctx context.Context) error {
			return r.plane.Create(ctx, ref, desired)
		})
		if IsConflict(err) {
			// A concurrent actor created it between our observe and create.
			return Outcome{Resource: ref, Action: ActionAlreadyExists}
		}
		if err != nil {
			return Outcome{Resource: ref, Action: ActionFailed, Err: fmt.Errorf("create %s: %w", ref, err)}
		}
		return Outcome{Resource: ref, Action: ActionCreated}
	}
}

// EnsureBinding converges a single (member, role) pair on a resource's
// policy. Present pairs are left untouched; conflicts on the add call are
// reported as already bound.
func (r *Reconciler) EnsureBinding(ctx context.Context, binding DesiredBinding) Outcome {
	ref := binding.Resource

	var policy *Policy
	err := WithRetry(ctx, r.policy, func(ctx context.Context) error {
		var getErr error
		policy, getErr = r.plane.GetPolicy(ctx, ref)
		return getErr
	})
	if err != nil {
		return Outcome{Resource: ref, Action: ActionFailed, Err: fmt.Errorf("get policy for %s: %w", ref, err)}
	}

	if policy.Has(binding.Role, binding.Member) {
		r.logger.Debug().
			Str("resource", ref.String()).
			Str("member", binding.Member).
			Str("role", binding.Role).
			Msg("Member already holds role, nothing to do.")
		return Outcome{Resource: ref, Action: ActionAlreadyBound}
	}

	err = WithRetry(ctx, r.policy, func(ctx context.Context) error {
		return r.plane.AddBinding(ctx, binding)
	})
	if IsConflict(err) {
		return Outcome{Resource: ref, Action: ActionAlreadyBound}
	}
	if err != nil {
		return Outcome{Resource: ref, Action: ActionFailed, Err: fmt.Errorf("bind %s on %s: %w", binding.Role, ref, err)}
	}
	return Outcome{Resource: ref, Action: ActionBound}
}
