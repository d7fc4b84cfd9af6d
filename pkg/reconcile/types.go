package reconcile

import "fmt"

// ResourceKind identifies the class of remote resource a reconciliation
// unit converges.
type ResourceKind string

const (
	KindServiceAccount ResourceKind = "service_account"
	KindIAMBinding     ResourceKind = "iam_binding"
	KindSecret         ResourceKind = "secret"
	KindRepository     ResourceKind = "repository"
	KindService        ResourceKind = "service"
)

// ResourceRef identifies a single remote resource. Identity is the
// (Kind, ID) pair; no two resources share an identity.
type ResourceRef struct {
	Kind ResourceKind
	ID   string
}

func (r ResourceRef) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

// DesiredBinding declares that a member must hold a role on a resource.
// Applying a binding that is already present is a no-op.
type DesiredBinding struct {
	Resource ResourceRef
	Member   string
	Role     string
}

// Action records what a reconciliation attempt did to converge a resource.
type Action string

const (
	ActionCreated       Action = "created"
	ActionAlreadyExists Action = "already_exists"
	ActionUpdated       Action = "updated"
	ActionBound         Action = "bound"
	ActionAlreadyBound  Action = "already_bound"
	ActionFailed        Action = "failed"
	ActionSkipped       Action = "skipped"
)

// Outcome is the immutable result of one reconciliation attempt.
type Outcome struct {
	Resource ResourceRef
	Action   Action
	Err      error
}

// Converged reports whether the attempt left the resource in the desired
// state. Both fresh mutations and already-satisfied observations count.
func (o Outcome) Converged() bool {
	switch o.Action {
	case ActionCreated, ActionAlreadyExists, ActionUpdated, ActionBound, ActionAlreadyBound:
		return true
	}
	return false
}

// State is the tri-state result of observing a remote resource.
type State int

const (
	// StateAbsent means the resource does not exist remotely.
	StateAbsent State = iota
	// StatePresent means the resource exists; Observation.Conforming says
	// whether it already matches the desired state.
	StatePresent
)

// Observation is what an Observer reports about a remote resource.
type Observation struct {
	State      State
	Conforming bool
}
