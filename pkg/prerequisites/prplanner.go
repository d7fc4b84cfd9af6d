package prerequisites

import "sort"

// DeploymentShape captures the aspects of a planned deployment that decide
// which cloud APIs must be enabled before any other step can run.
type DeploymentShape struct {
	// ManagesRepository is true when the deployment creates or verifies an
	// Artifact Registry repository.
	ManagesRepository bool
	// UsesSecretEnvironment is true when the service mounts any
	// Secret Manager backed environment variables.
	UsesSecretEnvironment bool
}

// PrerequisitePlanner determines the set of required Google Cloud APIs for
// a deployment.
type PrerequisitePlanner struct{}

// NewPlanner creates a new PrerequisitePlanner.
func NewPlanner() *PrerequisitePlanner {
	return &PrerequisitePlanner{}
}

// PlanRequiredServices returns the sorted list of service hostnames (e.g.
// "run.googleapis.com") the deployment depends on. Cloud Run, IAM and
// Resource Manager are always required; the rest depend on the shape.
func (p *PrerequisitePlanner) PlanRequiredServices(shape DeploymentShape) []string {
	requiredAPIs := map[string]struct{}{
		"run.googleapis.com":                  {},
		"iam.googleapis.com":                  {},
		"cloudresourcemanager.googleapis.com": {},
	}
	if shape.ManagesRepository {
		requiredAPIs["artifactregistry.googleapis.com"] = struct{}{}
	}
	if shape.UsesSecretEnvironment {
		requiredAPIs["secretmanager.googleapis.com"] = struct{}{}
	}

	apiList := make([]string, 0, len(requiredAPIs))
	for api := range requiredAPIs {
		apiList = append(apiList, api)
	}
	sort.Strings(apiList)
	return apiList
}
