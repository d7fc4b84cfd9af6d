package orchestration

import (
	"fmt"
	"os"
	"time"

	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"gopkg.in/yaml.v3"
)

// Config is the complete, explicit input to a deployment run. It is loaded
// once at startup and never mutated afterwards; components read values from
// it rather than from ambient environment variables.
type Config struct {
	ProjectID string `yaml:"project_id"`
	Region    string `yaml:"region"`

	ServiceName string `yaml:"service_name"`
	Repository  string `yaml:"repository"`
	Image       string `yaml:"image"`

	SecretName string `yaml:"secret_name"`
	// SecretValue, when non-empty, is written as the latest secret version.
	// Empty leaves existing versions untouched.
	SecretValue string `yaml:"secret_value"`

	Memory         string `yaml:"memory"`
	CPU            string `yaml:"cpu"`
	Concurrency    int64  `yaml:"concurrency"`
	TimeoutSeconds int64  `yaml:"timeout_seconds"`
	MinInstances   int64  `yaml:"min_instances"`
	MaxInstances   int64  `yaml:"max_instances"`

	EnvironmentVars map[string]string `yaml:"environment_vars"`

	AllowUnauthenticated bool `yaml:"allow_unauthenticated"`
	// InvokerMembers lists the principals granted run.invoker when
	// AllowUnauthenticated is false.
	InvokerMembers []string `yaml:"invoker_members"`

	// GrantFailureFatal promotes a failed invoker grant from a warning to a
	// run failure.
	GrantFailureFatal bool `yaml:"grant_failure_fatal"`
	// APIEnableFatal promotes a failed service-API enablement likewise.
	APIEnableFatal bool `yaml:"api_enable_fatal"`

	ReadinessInterval time.Duration `yaml:"readiness_interval"`
	ReadinessDeadline time.Duration `yaml:"readiness_deadline"`

	Retry reconcile.RetryPolicy `yaml:"retry"`
}

// NewDefaultConfig returns a Config populated with the project defaults.
// Only ProjectID and Image have no sensible default.
func NewDefaultConfig() Config {
	return Config{
		Region:               "us-central1",
		ServiceName:          "smart-book-gist",
		Repository:           "smart-book-gist",
		SecretName:           "groq-api-key",
		Memory:               "512Mi",
		Concurrency:          80,
		TimeoutSeconds:       300,
		MaxInstances:         3,
		AllowUnauthenticated: true,
		ReadinessInterval:    5 * time.Second,
		ReadinessDeadline:    3 * time.Minute,
		Retry: reconcile.RetryPolicy{
			MaxAttempts:       6,
			InitialDelay:      5 * time.Second,
			BackoffMultiplier: 2,
		},
	}
}

// LoadConfigFile reads a YAML file over the defaults. Keys absent from the
// file keep their default values.
func LoadConfigFile(path string) (Config, error) {
	cfg := NewDefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first problem that would make a deploy run
// nonsensical.
func (c Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Image == "" {
		return fmt.Errorf("image is required")
	}
	if !c.AllowUnauthenticated && len(c.InvokerMembers) == 0 {
		return fmt.Errorf("invoker_members is required when allow_unauthenticated is false")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	return nil
}

// ServiceAccountName is the runtime identity's short account ID, derived
// from the service name.
func (c Config) ServiceAccountName() string {
	return c.ServiceName + "-sa"
}
