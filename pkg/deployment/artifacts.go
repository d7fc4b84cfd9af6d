package deployment

import (
	"context"
	"fmt"

	artifactregistry "cloud.google.com/go/artifactregistry/apiv1"
	"cloud.google.com/go/artifactregistry/apiv1/artifactregistrypb"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// EnsureArtifactRegistryRepositoryExists checks if a Docker repository
// exists and creates it if not. A repository created concurrently by
// another actor counts as already existing.
func EnsureArtifactRegistryRepositoryExists(
	ctx context.Context,
	projectID, location, repositoryID string,
	logger zerolog.Logger,
	opts ...option.ClientOption,
) reconcile.Outcome {
	ref := reconcile.ResourceRef{Kind: reconcile.KindRepository, ID: repositoryID}
	logger.Info().Str("repository", repositoryID).Msg("Checking for Artifact Registry repository...")

	client, err := artifactregistry.NewClient(ctx, opts...)
	if err != nil {
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionFailed,
			Err: fmt.Errorf("failed to create artifact registry client: %w", err)}
	}
	defer client.Close()

	parent := fmt.Sprintf("projects/%s/locations/%s", projectID, location)
	repoName := fmt.Sprintf("%s/repositories/%s", parent, repositoryID)

	_, err = client.GetRepository(ctx, &artifactregistrypb.GetRepositoryRequest{Name: repoName})
	if err == nil {
		logger.Info().Str("repository", repositoryID).Msg("Artifact Registry repository already exists.")
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionAlreadyExists}
	}
	if s, ok := status.FromError(err); !ok || s.Code() != codes.NotFound {
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionFailed,
			Err: fmt.Errorf("failed to check for repository %q: %w", repositoryID, reconcile.Classify(err))}
	}

	logger.Info().Str("repository", repositoryID).Msg("Repository not found, creating it now...")
	op, err := client.CreateRepository(ctx, &artifactregistrypb.CreateRepositoryRequest{
		Parent:       parent,
		RepositoryId: repositoryID,
		Repository: &artifactregistrypb.Repository{
			Format:      artifactregistrypb.Repository_DOCKER,
			Description: "Repository created automatically by the deployment tool",
		},
	})
	if err != nil {
		classified := reconcile.Classify(err)
		if reconcile.IsConflict(classified) {
			logger.Info().Str("repository", repositoryID).Msg("Repository was created concurrently.")
			return reconcile.Outcome{Resource: ref, Action: reconcile.ActionAlreadyExists}
		}
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionFailed,
			Err: fmt.Errorf("failed to trigger repository creation: %w", classified)}
	}
	if _, err := op.Wait(ctx); err != nil {
		return reconcile.Outcome{Resource: ref, Action: reconcile.ActionFailed,
			Err: fmt.Errorf("failed to create repository %q: %w", repositoryID, reconcile.Classify(err))}
	}

	logger.Info().Str("repository", repositoryID).Msg("Successfully created Artifact Registry repository.")
	return reconcile.Outcome{Resource: ref, Action: reconcile.ActionCreated}
}
