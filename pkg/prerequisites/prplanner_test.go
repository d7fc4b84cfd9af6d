package prerequisites_test

import (
	"testing"

	"github.com/EphemeralEpoch/smart-book-gist/pkg/prerequisites"
	"github.com/stretchr/testify/assert"
)

func TestPlanner_AlwaysRequiresCoreAPIs(t *testing.T) {
	planner := prerequisites.NewPlanner()

	apis := planner.PlanRequiredServices(prerequisites.DeploymentShape{})

	assert.Equal(t, []string{
		"cloudresourcemanager.googleapis.com",
		"iam.googleapis.com",
		"run.googleapis.com",
	}, apis)
}

func TestPlanner_AddsShapeDependentAPIs(t *testing.T) {
	planner := prerequisites.NewPlanner()

	apis := planner.PlanRequiredServices(prerequisites.DeploymentShape{
		ManagesRepository:     true,
		UsesSecretEnvironment: true,
	})

	assert.Contains(t, apis, "artifactregistry.googleapis.com")
	assert.Contains(t, apis, "secretmanager.googleapis.com")
	assert.Contains(t, apis, "run.googleapis.com")
}

func TestPlanner_OutputIsSortedAndStable(t *testing.T) {
	planner := prerequisites.NewPlanner()
	shape := prerequisites.DeploymentShape{ManagesRepository: true}

	first := planner.PlanRequiredServices(shape)
	second := planner.PlanRequiredServices(shape)
	assert.Equal(t, first, second)
	assert.IsIncreasing(t, first)
}
