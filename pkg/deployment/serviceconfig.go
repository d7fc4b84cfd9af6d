package deployment

import (
	"fmt"

	"google.golang.org/api/run/v2"
)

// ServiceSpec describes the desired shape of a Cloud Run service. It is
// the declarative input to BuildServiceConfig; the same spec always
// produces the same service configuration.
type ServiceSpec struct {
	// Image is the full container image reference to deploy.
	Image string
	// ServiceAccountEmail is the runtime identity of the revision.
	ServiceAccountEmail string
	// Port is the container port the service listens on.
	Port int64
	// Memory is the memory limit, e.g. "512Mi".
	Memory string
	// CPU is the CPU limit, e.g. "1". Empty leaves the platform default.
	CPU string
	// Concurrency is the max concurrent requests per instance.
	Concurrency int64
	// TimeoutSeconds is the request timeout.
	TimeoutSeconds int64
	// MinInstances and MaxInstances bound revision scaling.
	MinInstances int64
	MaxInstances int64
	// EnvironmentVars are plain-text environment variables.
	EnvironmentVars map[string]string
	// SecretEnvironmentVars map env var names to Secret Manager secret
	// IDs; the latest version is mounted at startup.
	SecretEnvironmentVars map[string]string
}

// BuildServiceConfig translates a ServiceSpec into the Cloud Run v2
// request body. Secret-backed variables reference the "latest" version so
// a key rotation only needs a redeploy, not a spec change.
func BuildServiceConfig(spec ServiceSpec) *run.GoogleCloudRunV2Service {
	container := &run.GoogleCloudRunV2Container{
		Image: spec.Image,
		Ports: []*run.GoogleCloudRunV2ContainerPort{
			{ContainerPort: spec.Port},
		},
	}

	limits := map[string]string{}
	if spec.Memory != "" {
		limits["memory"] = spec.Memory
	}
	if spec.CPU != "" {
		limits["cpu"] = spec.CPU
	}
	if len(limits) > 0 {
		container.Resources = &run.GoogleCloudRunV2ResourceRequirements{Limits: limits}
	}

	var envVars []*run.GoogleCloudRunV2EnvVar
	for name, value := range spec.EnvironmentVars {
		envVars = append(envVars, &run.GoogleCloudRunV2EnvVar{Name: name, Value: value})
	}
	for name, secretID := range spec.SecretEnvironmentVars {
		envVars = append(envVars, &run.GoogleCloudRunV2EnvVar{
			Name: name,
			ValueSource: &run.GoogleCloudRunV2EnvVarSource{
				SecretKeyRef: &run.GoogleCloudRunV2SecretKeySelector{
					Secret:  secretID,
					Version: "latest",
				},
			},
		})
	}
	container.Env = envVars

	template := &run.GoogleCloudRunV2RevisionTemplate{
		ServiceAccount: spec.ServiceAccountEmail,
		Containers:     []*run.GoogleCloudRunV2Container{container},
		Scaling: &run.GoogleCloudRunV2RevisionScaling{
			MinInstanceCount: spec.MinInstances,
			MaxInstanceCount: spec.MaxInstances,
		},
	}
	if spec.Concurrency > 0 {
		template.MaxInstanceRequestConcurrency = spec.Concurrency
	}
	if spec.TimeoutSeconds > 0 {
		template.Timeout = fmt.Sprintf("%ds", spec.TimeoutSeconds)
	}

	return &run.GoogleCloudRunV2Service{Template: template}
}
