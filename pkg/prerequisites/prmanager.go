package prerequisites

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Manager orchestrates the process of checking and enabling required cloud
// APIs ahead of a deployment.
type Manager struct {
	client  ServiceAPIClient
	planner *PrerequisitePlanner
	logger  zerolog.Logger
}

// NewManager creates a new prerequisite manager.
func NewManager(client ServiceAPIClient, logger zerolog.Logger) *Manager {
	return &Manager{
		client:  client,
		planner: NewPlanner(),
		logger:  logger.With().Str("component", "PrerequisiteManager").Logger(),
	}
}

// CheckAndEnable plans the APIs the deployment shape needs, compares that
// plan against what is already enabled, and enables only the difference.
// Rerunning against a satisfied project makes no mutating calls.
func (m *Manager) CheckAndEnable(ctx context.Context, projectID string, shape DeploymentShape) error {
	m.logger.Info().Msg("Planning and verifying service API prerequisites...")

	requiredServices := m.planner.PlanRequiredServices(shape)
	m.logger.Info().Strs("required_apis", requiredServices).Msg("Planned required APIs for deployment.")

	enabledServices, err := m.client.GetEnabledServices(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to get currently enabled services: %w", err)
	}

	var servicesToEnable []string
	for _, required := range requiredServices {
		if _, ok := enabledServices[required]; !ok {
			servicesToEnable = append(servicesToEnable, required)
		}
	}

	if len(servicesToEnable) == 0 {
		m.logger.Info().Msg("All required service APIs are already enabled.")
		return nil
	}

	m.logger.Warn().Strs("apis_to_enable", servicesToEnable).Msg("Found required APIs that are not yet enabled. Attempting to enable now...")
	err = m.client.EnableServices(ctx, projectID, servicesToEnable)
	if err != nil {
		return fmt.Errorf("failed to enable required services: %w", err)
	}
	m.logger.Info().Strs("enabled_apis", servicesToEnable).Msg("Successfully enabled all required service APIs.")
	return nil
}
