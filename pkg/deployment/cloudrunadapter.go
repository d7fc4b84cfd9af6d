package deployment

import (
	"context"
	"fmt"
	"time"

	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/api/run/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// googleCloudRunAPIAdapter implements CloudRunAPI using the real Google
// client against a regional Cloud Run Admin endpoint.
type googleCloudRunAPIAdapter struct {
	runService *run.Service
	projectID  string
	region     string
	logger     zerolog.Logger
}

// NewGoogleCloudRunAPIAdapter creates the concrete adapter for the Cloud
// Run API. It must be initialized with a specific region, as the Cloud Run
// Admin API is regional.
func NewGoogleCloudRunAPIAdapter(ctx context.Context, projectID, region string, logger zerolog.Logger, opts ...option.ClientOption) (CloudRunAPI, error) {
	endpoint := fmt.Sprintf("%s-run.googleapis.com:443", region)
	runOpts := append(opts, option.WithEndpoint(endpoint))
	runService, err := run.NewService(ctx, runOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud Run service client: %w", err)
	}
	return &googleCloudRunAPIAdapter{
		runService: runService,
		projectID:  projectID,
		region:     region,
		logger:     logger.With().Str("component", "CloudRunAdapter").Logger(),
	}, nil
}

func (a *googleCloudRunAPIAdapter) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", a.projectID, a.region)
}

func (a *googleCloudRunAPIAdapter) fullServiceName(serviceID string) string {
	return fmt.Sprintf("%s/services/%s", a.parent(), serviceID)
}

// CreateOrUpdateService checks if a service exists and then either creates
// a new one or patches the existing one with the new configuration.
func (a *googleCloudRunAPIAdapter) CreateOrUpdateService(ctx context.Context, serviceID string, serviceConfig *run.GoogleCloudRunV2Service) error {
	fullName := a.fullServiceName(serviceID)
	_, err := a.runService.Projects.Locations.Services.Get(fullName).Context(ctx).Do()

	var op *run.GoogleLongrunningOperation
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			a.logger.Info().Str("service", serviceID).Msg("Service not found. Creating new Cloud Run service...")
			op, err = a.runService.Projects.Locations.Services.Create(a.parent(), serviceConfig).
				ServiceId(serviceID).Context(ctx).Do()
		} else {
			return fmt.Errorf("failed to get status of existing Cloud Run service: %w", reconcile.Classify(err))
		}
	} else {
		a.logger.Info().Str("service", serviceID).Msg("Service found. Updating existing Cloud Run service...")
		op, err = a.runService.Projects.Locations.Services.Patch(fullName, serviceConfig).Context(ctx).Do()
	}
	if err != nil {
		return fmt.Errorf("failed to trigger Cloud Run create/update operation: %w", reconcile.Classify(err))
	}

	return a.awaitOperation(ctx, op.Name)
}

// awaitOperation polls a long-running operation until it completes.
func (a *googleCloudRunAPIAdapter) awaitOperation(ctx context.Context, opName string) error {
	a.logger.Info().Str("operation", opName).Msg("Waiting for Cloud Run operation to complete...")
	for {
		getOp, err := a.runService.Projects.Locations.Operations.Get(opName).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to poll Cloud Run operation status: %w", reconcile.Classify(err))
		}
		if getOp.Done {
			if getOp.Error != nil {
				return fmt.Errorf("cloud Run operation failed with status: %s", getOp.Error.Message)
			}
			return nil
		}
		select {
		case <-time.After(2 * time.Second):
			// Continue polling.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ServiceURI returns the serving URL reported by the control plane.
func (a *googleCloudRunAPIAdapter) ServiceURI(ctx context.Context, serviceID string) (string, error) {
	svc, err := a.runService.Projects.Locations.Services.Get(a.fullServiceName(serviceID)).Context(ctx).Do()
	if err != nil {
		return "", reconcile.Classify(err)
	}
	return svc.Uri, nil
}

// LatestRevisionStatus inspects the newest revision's Ready condition. The
// condition messages come back as diagnostics for the readiness poller to
// show the operator.
func (a *googleCloudRunAPIAdapter) LatestRevisionStatus(ctx context.Context, serviceID string) (bool, []string, error) {
	svc, err := a.runService.Projects.Locations.Services.Get(a.fullServiceName(serviceID)).Context(ctx).Do()
	if err != nil {
		return false, nil, reconcile.Classify(err)
	}
	if svc.LatestCreatedRevision == "" {
		return false, []string{"no revision created yet"}, nil
	}

	rev, err := a.runService.Projects.Locations.Services.Revisions.Get(svc.LatestCreatedRevision).Context(ctx).Do()
	if err != nil {
		return false, nil, reconcile.Classify(err)
	}

	var diagnostics []string
	for _, cond := range rev.Conditions {
		if cond.Type == "Ready" && cond.State == "CONDITION_SUCCEEDED" {
			return true, nil, nil
		}
		if cond.Message != "" {
			diagnostics = append(diagnostics, fmt.Sprintf("%s=%s: %s", cond.Type, cond.State, cond.Message))
		}
	}
	return false, diagnostics, nil
}

// DeleteService removes the service and waits for the operation. A missing
// service is success, keeping teardown re-entrant.
func (a *googleCloudRunAPIAdapter) DeleteService(ctx context.Context, serviceID string) error {
	op, err := a.runService.Projects.Locations.Services.Delete(a.fullServiceName(serviceID)).Context(ctx).Do()
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			a.logger.Info().Str("service", serviceID).Msg("Service already gone, nothing to delete.")
			return nil
		}
		return fmt.Errorf("failed to trigger Cloud Run delete operation: %w", reconcile.Classify(err))
	}
	return a.awaitOperation(ctx, op.Name)
}
