package iam

import (
	"context"
	"fmt"
	"strings"

	artifactregistry "cloud.google.com/go/artifactregistry/apiv1"
	"cloud.google.com/go/iam"
	admin "cloud.google.com/go/iam/admin/apiv1"
	"cloud.google.com/go/iam/admin/apiv1/adminpb"
	"cloud.google.com/go/iam/apiv1/iampb"
	resourcemanager "cloud.google.com/go/resourcemanager/apiv3"
	"cloud.google.com/go/resourcemanager/apiv3/resourcemanagerpb"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/api/run/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// policyHandle abstracts the common get/set policy methods of the
// iampb-speaking clients, allowing unified read-modify-write logic.
type policyHandle interface {
	getPolicy(ctx context.Context) (*iampb.Policy, error)
	setPolicy(ctx context.Context, p *iampb.Policy) error
}

type secretPolicyHandle struct {
	client   *secretmanager.Client
	resource string
}

func (h *secretPolicyHandle) getPolicy(ctx context.Context) (*iampb.Policy, error) {
	return h.client.GetIamPolicy(ctx, &iampb.GetIamPolicyRequest{Resource: h.resource})
}

func (h *secretPolicyHandle) setPolicy(ctx context.Context, p *iampb.Policy) error {
	_, err := h.client.SetIamPolicy(ctx, &iampb.SetIamPolicyRequest{Resource: h.resource, Policy: p})
	return err
}

type repositoryPolicyHandle struct {
	client   *artifactregistry.Client
	resource string
}

func (h *repositoryPolicyHandle) getPolicy(ctx context.Context) (*iampb.Policy, error) {
	return h.client.GetIamPolicy(ctx, &iampb.GetIamPolicyRequest{Resource: h.resource})
}

func (h *repositoryPolicyHandle) setPolicy(ctx context.Context, p *iampb.Policy) error {
	_, err := h.client.SetIamPolicy(ctx, &iampb.SetIamPolicyRequest{Resource: h.resource, Policy: p})
	return err
}

type projectPolicyHandle struct {
	client   *resourcemanager.ProjectsClient
	resource string
}

func (h *projectPolicyHandle) getPolicy(ctx context.Context) (*iampb.Policy, error) {
	return h.client.GetIamPolicy(ctx, &iampb.GetIamPolicyRequest{Resource: h.resource})
}

func (h *projectPolicyHandle) setPolicy(ctx context.Context, p *iampb.Policy) error {
	_, err := h.client.SetIamPolicy(ctx, &iampb.SetIamPolicyRequest{Resource: h.resource, Policy: p})
	return err
}

type serviceAccountPolicyHandle struct {
	client   *admin.IamClient
	resource string
}

func (h *serviceAccountPolicyHandle) getPolicy(ctx context.Context) (*iampb.Policy, error) {
	policy, err := h.client.GetIamPolicy(ctx, &iampb.GetIamPolicyRequest{Resource: h.resource})
	if err != nil {
		return nil, err
	}
	return policy.InternalProto, nil
}

func (h *serviceAccountPolicyHandle) setPolicy(ctx context.Context, p *iampb.Policy) error {
	_, err := h.client.SetIamPolicy(ctx, &admin.SetIamPolicyRequest{
		Resource: h.resource,
		Policy:   &iam.Policy{InternalProto: p},
	})
	return err
}

// GoogleIAMClient holds the cloud clients needed for the IAM operations of
// a single-service deployment: service accounts, secret and repository
// policies, Cloud Run invoker grants, and project-level roles.
type GoogleIAMClient struct {
	projectID  string
	region     string
	adminCli   *admin.IamClient
	secretsCli *secretmanager.Client
	arCli      *artifactregistry.Client
	rmCli      *resourcemanager.ProjectsClient
	runService *run.Service
	logger     zerolog.Logger
}

// NewGoogleIAMClient creates a fully initialized client for real Google
// Cloud IAM operations.
func NewGoogleIAMClient(ctx context.Context, projectID, region string, logger zerolog.Logger, opts ...option.ClientOption) (*GoogleIAMClient, error) {
	adminCli, err := admin.NewIamClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create IAM admin client: %w", err)
	}
	secretsCli, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}
	arCli, err := artifactregistry.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifactregistry client: %w", err)
	}
	rmCli, err := resourcemanager.NewProjectsClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resourcemanager client: %w", err)
	}
	runService, err := run.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create run service: %w", err)
	}

	return &GoogleIAMClient{
		projectID:  projectID,
		region:     region,
		adminCli:   adminCli,
		secretsCli: secretsCli,
		arCli:      arCli,
		rmCli:      rmCli,
		runService: runService,
		logger:     logger.With().Str("component", "GoogleIAMClient").Logger(),
	}, nil
}

// ServiceAccountEmail derives the full email for a bare account ID. A name
// that already contains '@' is returned unchanged.
func (c *GoogleIAMClient) ServiceAccountEmail(accountName string) string {
	if strings.Contains(accountName, "@") {
		return accountName
	}
	return fmt.Sprintf("%s@%s.iam.gserviceaccount.com", accountName, c.projectID)
}

func (c *GoogleIAMClient) serviceAccountResource(accountName string) string {
	return fmt.Sprintf("projects/%s/serviceAccounts/%s", c.projectID, c.ServiceAccountEmail(accountName))
}

// GetServiceAccount reports whether the account exists. Absence is an
// observation, not an error.
func (c *GoogleIAMClient) GetServiceAccount(ctx context.Context, accountName string) (bool, error) {
	_, err := c.adminCli.GetServiceAccount(ctx, &adminpb.GetServiceAccountRequest{
		Name: c.serviceAccountResource(accountName),
	})
	if err == nil {
		return true, nil
	}
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	return false, reconcile.Classify(err)
}

// CreateServiceAccount creates the account and returns its email. An
// AlreadyExists response is surfaced as a classified conflict for the
// reconciler to absorb.
func (c *GoogleIAMClient) CreateServiceAccount(ctx context.Context, accountName string) (string, error) {
	accountID := strings.Split(accountName, "@")[0]
	sa, err := c.adminCli.CreateServiceAccount(ctx, &adminpb.CreateServiceAccountRequest{
		Name:      "projects/" + c.projectID,
		AccountId: accountID,
		ServiceAccount: &adminpb.ServiceAccount{
			DisplayName: "Service account for " + accountID,
		},
	})
	if err != nil {
		return "", reconcile.Classify(err)
	}
	c.logger.Info().Str("email", sa.Email).Msg("Created service account.")
	return sa.Email, nil
}

// DeleteServiceAccount removes the account; a missing account is success.
func (c *GoogleIAMClient) DeleteServiceAccount(ctx context.Context, accountName string) error {
	err := c.adminCli.DeleteServiceAccount(ctx, &adminpb.DeleteServiceAccountRequest{
		Name: c.serviceAccountResource(accountName),
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return reconcile.Classify(err)
	}
	if err == nil {
		c.logger.Info().Str("email", c.ServiceAccountEmail(accountName)).Msg("Deleted service account.")
	}
	return nil
}

// ProjectNumber resolves the numeric project identifier via the Resource
// Manager API.
func (c *GoogleIAMClient) ProjectNumber(ctx context.Context) (string, error) {
	project, err := c.rmCli.GetProject(ctx, &resourcemanagerpb.GetProjectRequest{
		Name: "projects/" + c.projectID,
	})
	if err != nil {
		return "", reconcile.Classify(err)
	}
	// The canonical name of a fetched project is "projects/<number>".
	return strings.TrimPrefix(project.Name, "projects/"), nil
}

// handleFor maps a resource reference to the policy handle for its kind.
// Cloud Run services speak a different policy dialect and are handled
// separately.
func (c *GoogleIAMClient) handleFor(ref reconcile.ResourceRef) (policyHandle, error) {
	switch ref.Kind {
	case reconcile.KindSecret:
		return &secretPolicyHandle{
			client:   c.secretsCli,
			resource: fmt.Sprintf("projects/%s/secrets/%s", c.projectID, ref.ID),
		}, nil
	case reconcile.KindRepository:
		return &repositoryPolicyHandle{
			client:   c.arCli,
			resource: fmt.Sprintf("projects/%s/locations/%s/repositories/%s", c.projectID, c.region, ref.ID),
		}, nil
	case reconcile.KindIAMBinding:
		return &projectPolicyHandle{
			client:   c.rmCli,
			resource: "projects/" + c.projectID,
		}, nil
	case reconcile.KindServiceAccount:
		return &serviceAccountPolicyHandle{
			client:   c.adminCli,
			resource: c.serviceAccountResource(ref.ID),
		}, nil
	default:
		return nil, &reconcile.ValidationError{Err: fmt.Errorf("unsupported resource kind for IAM policy: %s", ref.Kind)}
	}
}

// GetResourcePolicy reads a resource's IAM policy into a structured member
// set. It never mutates remote state.
func (c *GoogleIAMClient) GetResourcePolicy(ctx context.Context, ref reconcile.ResourceRef) (*reconcile.Policy, error) {
	if ref.Kind == reconcile.KindService {
		raw, err := c.runService.Projects.Locations.Services.GetIamPolicy(c.runServiceResource(ref.ID)).Context(ctx).Do()
		if err != nil {
			return nil, reconcile.Classify(err)
		}
		policy := reconcile.NewPolicy()
		for _, b := range raw.Bindings {
			for _, m := range b.Members {
				policy.Add(b.Role, m)
			}
		}
		return policy, nil
	}

	handle, err := c.handleFor(ref)
	if err != nil {
		return nil, err
	}
	raw, err := handle.getPolicy(ctx)
	if err != nil {
		return nil, reconcile.Classify(err)
	}
	policy := reconcile.NewPolicy()
	for _, b := range raw.Bindings {
		for _, m := range b.Members {
			policy.Add(b.Role, m)
		}
	}
	return policy, nil
}

// AddResourceBinding grants role to member on the resource using
// read-modify-write. A member already present is a no-op.
func (c *GoogleIAMClient) AddResourceBinding(ctx context.Context, ref reconcile.ResourceRef, role, member string) error {
	if ref.Kind == reconcile.KindService {
		return c.addRunServiceBinding(ctx, ref.ID, role, member)
	}

	handle, err := c.handleFor(ref)
	if err != nil {
		return err
	}
	policy, err := handle.getPolicy(ctx)
	if err != nil {
		return reconcile.Classify(err)
	}
	if !addMemberToBinding(policy, role, member) {
		c.logger.Info().Str("member", member).Str("role", role).Str("resource", ref.String()).
			Msg("Member already has role. No changes needed.")
		return nil
	}
	if err := handle.setPolicy(ctx, policy); err != nil {
		return reconcile.Classify(err)
	}
	c.logger.Info().Str("member", member).Str("role", role).Str("resource", ref.String()).
		Msg("Granted role on resource.")
	return nil
}

// RemoveResourceBinding revokes role from member on the resource. A missing
// resource or binding is success.
func (c *GoogleIAMClient) RemoveResourceBinding(ctx context.Context, ref reconcile.ResourceRef, role, member string) error {
	if ref.Kind == reconcile.KindService {
		return c.removeRunServiceBinding(ctx, ref.ID, role, member)
	}

	handle, err := c.handleFor(ref)
	if err != nil {
		return err
	}
	policy, err := handle.getPolicy(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return reconcile.Classify(err)
	}
	if !removeMemberFromBinding(policy, role, member) {
		return nil
	}
	if err := handle.setPolicy(ctx, policy); err != nil {
		return reconcile.Classify(err)
	}
	c.logger.Info().Str("member", member).Str("role", role).Str("resource", ref.String()).
		Msg("Revoked role on resource.")
	return nil
}

func (c *GoogleIAMClient) runServiceResource(serviceID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/services/%s", c.projectID, c.region, serviceID)
}

func (c *GoogleIAMClient) addRunServiceBinding(ctx context.Context, serviceID, role, member string) error {
	resource := c.runServiceResource(serviceID)
	policy, err := c.runService.Projects.Locations.Services.GetIamPolicy(resource).Context(ctx).Do()
	if err != nil {
		return reconcile.Classify(err)
	}

	var bindingToModify *run.GoogleIamV1Binding
	for _, b := range policy.Bindings {
		if b.Role == role {
			bindingToModify = b
			break
		}
	}
	if bindingToModify == nil {
		bindingToModify = &run.GoogleIamV1Binding{Role: role}
		policy.Bindings = append(policy.Bindings, bindingToModify)
	}
	for _, m := range bindingToModify.Members {
		if m == member {
			c.logger.Info().Str("member", member).Str("role", role).Str("service", serviceID).
				Msg("Member already has role on Cloud Run service. No changes needed.")
			return nil
		}
	}
	bindingToModify.Members = append(bindingToModify.Members, member)

	_, err = c.runService.Projects.Locations.Services.
		SetIamPolicy(resource, &run.GoogleIamV1SetIamPolicyRequest{Policy: policy}).
		Context(ctx).Do()
	if err != nil {
		return reconcile.Classify(err)
	}
	c.logger.Info().Str("member", member).Str("role", role).Str("service", serviceID).
		Msg("Granted role on Cloud Run service.")
	return nil
}

func (c *GoogleIAMClient) removeRunServiceBinding(ctx context.Context, serviceID, role, member string) error {
	resource := c.runServiceResource(serviceID)
	policy, err := c.runService.Projects.Locations.Services.GetIamPolicy(resource).Context(ctx).Do()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			c.logger.Warn().Str("service", serviceID).Msg("Cloud Run service not found, nothing to revoke.")
			return nil
		}
		return reconcile.Classify(err)
	}

	modified := false
	for _, b := range policy.Bindings {
		if b.Role != role {
			continue
		}
		var kept []string
		for _, m := range b.Members {
			if m == member {
				modified = true
				continue
			}
			kept = append(kept, m)
		}
		b.Members = kept
	}
	if !modified {
		return nil
	}

	_, err = c.runService.Projects.Locations.Services.
		SetIamPolicy(resource, &run.GoogleIamV1SetIamPolicyRequest{Policy: policy}).
		Context(ctx).Do()
	if err != nil {
		return reconcile.Classify(err)
	}
	c.logger.Info().Str("member", member).Str("role", role).Str("service", serviceID).
		Msg("Revoked role on Cloud Run service.")
	return nil
}

// addMemberToBinding edits the policy in memory, returning false when the
// member already held the role.
func addMemberToBinding(policy *iampb.Policy, role, member string) bool {
	var bindingToModify *iampb.Binding
	for _, b := range policy.Bindings {
		if b.Role == role {
			bindingToModify = b
			break
		}
	}
	if bindingToModify == nil {
		bindingToModify = &iampb.Binding{Role: role}
		policy.Bindings = append(policy.Bindings, bindingToModify)
	}
	for _, m := range bindingToModify.Members {
		if m == member {
			return false
		}
	}
	bindingToModify.Members = append(bindingToModify.Members, member)
	return true
}

// removeMemberFromBinding edits the policy in memory, returning false when
// the member did not hold the role.
func removeMemberFromBinding(policy *iampb.Policy, role, member string) bool {
	modified := false
	for _, b := range policy.Bindings {
		if b.Role != role {
			continue
		}
		var kept []string
		for _, m := range b.Members {
			if m == member {
				modified = true
				continue
			}
			kept = append(kept, m)
		}
		b.Members = kept
	}
	return modified
}

// Close gracefully terminates all underlying client connections.
func (c *GoogleIAMClient) Close() error {
	var errs []string
	if err := c.adminCli.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("adminCli: %v", err))
	}
	if err := c.secretsCli.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("secretsCli: %v", err))
	}
	if err := c.arCli.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("arCli: %v", err))
	}
	if err := c.rmCli.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("rmCli: %v", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors while closing clients: %s", strings.Join(errs, "; "))
	}
	return nil
}
