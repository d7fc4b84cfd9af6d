package deployment

import (
	"context"

	"google.golang.org/api/run/v2"
)

// CloudRunAPI defines the contract for a client that manages a Cloud Run
// service: deploying a revision, reading readiness, and tearing down.
type CloudRunAPI interface {
	// CreateOrUpdateService creates the service or patches the existing one
	// and waits for the long-running operation to finish.
	CreateOrUpdateService(ctx context.Context, serviceID string, serviceConfig *run.GoogleCloudRunV2Service) error

	// ServiceURI returns the serving URL of a deployed service.
	ServiceURI(ctx context.Context, serviceID string) (string, error)

	// LatestRevisionStatus reports whether the newest revision is ready,
	// with the revision's condition messages as operator diagnostics.
	LatestRevisionStatus(ctx context.Context, serviceID string) (ready bool, diagnostics []string, err error)

	// DeleteService removes the service; a missing service is success.
	DeleteService(ctx context.Context, serviceID string) error
}
