package secrets

import (
	"bytes"
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"github.com/googleapis/gax-go/v2"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// API is the slice of the Secret Manager client the store needs. The real
// *secretmanager.Client satisfies it.
type API interface {
	GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest, opts ...gax.CallOption) error
}

// Store manages the API-key secret for the deployed service.
type Store struct {
	api       API
	projectID string
	logger    zerolog.Logger
}

// NewStore wraps an existing Secret Manager client.
func NewStore(api API, projectID string, logger zerolog.Logger) *Store {
	return &Store{
		api:       api,
		projectID: projectID,
		logger:    logger.With().Str("component", "SecretStore").Logger(),
	}
}

// NewGoogleStore creates a Store backed by a real Secret Manager client.
func NewGoogleStore(ctx context.Context, projectID string, logger zerolog.Logger, opts ...option.ClientOption) (*Store, *secretmanager.Client, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}
	return NewStore(client, projectID, logger), client, nil
}

func (s *Store) secretPath(secretID string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", s.projectID, secretID)
}

// EnsureSecretWithValue makes sure a secret with the given ID exists and
// that its latest version holds value. It is idempotent: when the latest
// version already matches, no mutating call is made. An empty value only
// ensures the secret container exists, leaving versions alone.
func (s *Store) EnsureSecretWithValue(ctx context.Context, secretID, value string) reconcile.Outcome {
	ref := reconcile.ResourceRef{Kind: reconcile.KindSecret, ID: secretID}
	created := false

	_, err := s.api.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{Name: s.secretPath(secretID)})
	if err != nil {
		if status.Code(err) != codes.NotFound {
			return reconcile.Outcome{Resource: ref, Action: reconcile.ActionFailed,
				Err: fmt.Errorf("failed to check for secret %q: %w", secretID, reconcile.Classify(err))}
		}
		_, createErr := s.api.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
			Parent:   "projects/" + s.projectID,
			SecretId: secretID,
			Secret: &secretmanagerpb.Secret{
				Replication: &secretmanagerpb.Replication{
					Replication: &secretmanagerpb.Replication_Automatic_{
						Automatic: &secretmanagerpb.Replication_Automatic{},
					},
				},
			},
		})
		if createErr != nil {
			classified := reconcile.Classify(createErr)
			if !reconcile.IsConflict(classified) {
				return reconcile.Outcome{Resource: ref, Action: reconcile.ActionFailed,
					Err: fmt.Errorf("failed to create secret %q: %w", secretID, classified)}
			}
			// A concurrent actor created the container; carry on to the
			// version check.
		} else {
			created = true
			s.logger.Info().Str("secret", secretID).Msg("Created secret container.")
		}
	}

	if value == "" {
		if created {
			return reconcile.Outcome{Resource: ref, Action: reconcile.ActionCreated}
		}
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionAlreadyExists}
	}

	matches, err := s.latestVersionMatches(ctx, secretID, value)
	if err != nil {
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionFailed,
			Err: fmt.Errorf("failed to read latest version of secret %q: %w", secretID, err)}
	}
	if matches {
		s.logger.Debug().Str("secret", secretID).Msg("Latest secret version already matches. No changes needed.")
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionAlreadyExists}
	}

	_, err = s.api.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  s.secretPath(secretID),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	})
	if err != nil {
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionFailed,
			Err: fmt.Errorf("failed to add version to secret %q: %w", secretID, reconcile.Classify(err))}
	}
	s.logger.Info().Str("secret", secretID).Msg("Added new secret version.")

	if created {
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionCreated}
	}
	return reconcile.Outcome{Resource: ref, Action: reconcile.ActionUpdated}
}

// latestVersionMatches reads the latest version and compares payloads. A
// secret with no versions yet reports false.
func (s *Store) latestVersionMatches(ctx context.Context, secretID, value string) (bool, error) {
	resp, err := s.api.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.secretPath(secretID) + "/versions/latest",
	})
	if err != nil {
		switch status.Code(err) {
		case codes.NotFound, codes.FailedPrecondition:
			return false, nil
		}
		return false, reconcile.Classify(err)
	}
	return bytes.Equal(resp.Payload.Data, []byte(value)), nil
}

// AccessLatest returns the current value of the secret.
func (s *Store) AccessLatest(ctx context.Context, secretID string) (string, error) {
	resp, err := s.api.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.secretPath(secretID) + "/versions/latest",
	})
	if err != nil {
		return "", reconcile.Classify(err)
	}
	return string(resp.Payload.Data), nil
}

// DeleteSecret removes the secret and all its versions; a missing secret
// is success.
func (s *Store) DeleteSecret(ctx context.Context, secretID string) error {
	err := s.api.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: s.secretPath(secretID)})
	if err != nil && status.Code(err) != codes.NotFound {
		return reconcile.Classify(err)
	}
	if err == nil {
		s.logger.Info().Str("secret", secretID).Msg("Deleted secret.")
	}
	return nil
}
