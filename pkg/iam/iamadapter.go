package iam

import (
	"context"

	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
)

// IAMClient defines the interface for low-level IAM operations against the
// cloud control plane. The concrete implementation is pre-configured with a
// project ID and region. Raw remote errors are classified through
// reconcile.Classify so callers can tell transient, conflict, and permanent
// failures apart.
type IAMClient interface {
	// Service account lifecycle. Account names may be a bare account ID or
	// a full email; emails are derived from the configured project.
	GetServiceAccount(ctx context.Context, accountName string) (bool, error)
	CreateServiceAccount(ctx context.Context, accountName string) (string, error)
	DeleteServiceAccount(ctx context.Context, accountName string) error
	ServiceAccountEmail(accountName string) string

	// Resource IAM policies, read and edited as structured member sets.
	GetResourcePolicy(ctx context.Context, ref reconcile.ResourceRef) (*reconcile.Policy, error)
	AddResourceBinding(ctx context.Context, ref reconcile.ResourceRef, role, member string) error
	RemoveResourceBinding(ctx context.Context, ref reconcile.ResourceRef, role, member string) error

	// ProjectNumber resolves the numeric project identifier, needed to
	// derive platform service-account emails.
	ProjectNumber(ctx context.Context) (string, error)

	Close() error
}
