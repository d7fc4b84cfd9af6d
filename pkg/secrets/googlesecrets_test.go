package secrets_test

import (
	"context"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/secrets"
	"github.com/googleapis/gax-go/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeSecretManager is an in-memory Secret Manager that tracks mutating
// call counts for idempotence assertions.
type fakeSecretManager struct {
	values map[string][]string // secret path -> versions, newest last

	createCalls     int
	addVersionCalls int
}

func newFakeSecretManager() *fakeSecretManager {
	return &fakeSecretManager{values: make(map[string][]string)}
}

func (f *fakeSecretManager) mutatingCalls() int {
	return f.createCalls + f.addVersionCalls
}

func (f *fakeSecretManager) GetSecret(_ context.Context, req *secretmanagerpb.GetSecretRequest, _ ...gax.CallOption) (*secretmanagerpb.Secret, error) {
	if _, ok := f.values[req.Name]; !ok {
		return nil, status.Error(codes.NotFound, "secret not found")
	}
	return &secretmanagerpb.Secret{Name: req.Name}, nil
}

func (f *fakeSecretManager) CreateSecret(_ context.Context, req *secretmanagerpb.CreateSecretRequest, _ ...gax.CallOption) (*secretmanagerpb.Secret, error) {
	f.createCalls++
	path := req.Parent + "/secrets/" + req.SecretId
	if _, ok := f.values[path]; ok {
		return nil, status.Error(codes.AlreadyExists, "secret already exists")
	}
	f.values[path] = nil
	return &secretmanagerpb.Secret{Name: path}, nil
}

func (f *fakeSecretManager) AddSecretVersion(_ context.Context, req *secretmanagerpb.AddSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.SecretVersion, error) {
	f.addVersionCalls++
	if _, ok := f.values[req.Parent]; !ok {
		return nil, status.Error(codes.NotFound, "secret not found")
	}
	f.values[req.Parent] = append(f.values[req.Parent], string(req.Payload.Data))
	return &secretmanagerpb.SecretVersion{Name: req.Parent + "/versions/1"}, nil
}

func (f *fakeSecretManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	path := req.Name[:len(req.Name)-len("/versions/latest")]
	versions, ok := f.values[path]
	if !ok || len(versions) == 0 {
		return nil, status.Error(codes.NotFound, "no versions")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(versions[len(versions)-1])},
	}, nil
}

func (f *fakeSecretManager) DeleteSecret(_ context.Context, req *secretmanagerpb.DeleteSecretRequest, _ ...gax.CallOption) error {
	if _, ok := f.values[req.Name]; !ok {
		return status.Error(codes.NotFound, "secret not found")
	}
	delete(f.values, req.Name)
	return nil
}

func TestStore_EnsureSecretWithValue_CreatesAndVersions(t *testing.T) {
	fake := newFakeSecretManager()
	store := secrets.NewStore(fake, "my-project", zerolog.Nop())

	outcome := store.EnsureSecretWithValue(context.Background(), "groq-api-key", "gsk_abc")
	require.NoError(t, outcome.Err)
	assert.Equal(t, reconcile.ActionCreated, outcome.Action)

	value, err := store.AccessLatest(context.Background(), "groq-api-key")
	require.NoError(t, err)
	assert.Equal(t, "gsk_abc", value)
}

func TestStore_EnsureSecretWithValue_IsIdempotent(t *testing.T) {
	fake := newFakeSecretManager()
	store := secrets.NewStore(fake, "my-project", zerolog.Nop())

	first := store.EnsureSecretWithValue(context.Background(), "groq-api-key", "gsk_abc")
	require.NoError(t, first.Err)
	mutationsAfterFirst := fake.mutatingCalls()

	second := store.EnsureSecretWithValue(context.Background(), "groq-api-key", "gsk_abc")
	require.NoError(t, second.Err)
	assert.Equal(t, reconcile.ActionAlreadyExists, second.Action)
	assert.Equal(t, mutationsAfterFirst, fake.mutatingCalls(),
		"an unchanged value must not add a duplicate version")
}

func TestStore_EnsureSecretWithValue_RotatesChangedValue(t *testing.T) {
	fake := newFakeSecretManager()
	store := secrets.NewStore(fake, "my-project", zerolog.Nop())

	require.NoError(t, store.EnsureSecretWithValue(context.Background(), "groq-api-key", "gsk_old").Err)

	outcome := store.EnsureSecretWithValue(context.Background(), "groq-api-key", "gsk_new")
	require.NoError(t, outcome.Err)
	assert.Equal(t, reconcile.ActionUpdated, outcome.Action)

	value, err := store.AccessLatest(context.Background(), "groq-api-key")
	require.NoError(t, err)
	assert.Equal(t, "gsk_new", value)
}

func TestStore_EnsureSecretWithValue_EmptyValueOnlyEnsuresContainer(t *testing.T) {
	fake := newFakeSecretManager()
	store := secrets.NewStore(fake, "my-project", zerolog.Nop())

	outcome := store.EnsureSecretWithValue(context.Background(), "groq-api-key", "")
	require.NoError(t, outcome.Err)
	assert.Equal(t, reconcile.ActionCreated, outcome.Action)
	assert.Zero(t, fake.addVersionCalls)

	again := store.EnsureSecretWithValue(context.Background(), "groq-api-key", "")
	require.NoError(t, again.Err)
	assert.Equal(t, reconcile.ActionAlreadyExists, again.Action)
}

func TestStore_DeleteSecret_MissingIsSuccess(t *testing.T) {
	fake := newFakeSecretManager()
	store := secrets.NewStore(fake, "my-project", zerolog.Nop())

	require.NoError(t, store.DeleteSecret(context.Background(), "never-existed"))

	require.NoError(t, store.EnsureSecretWithValue(context.Background(), "groq-api-key", "v").Err)
	require.NoError(t, store.DeleteSecret(context.Background(), "groq-api-key"))
	_, err := store.AccessLatest(context.Background(), "groq-api-key")
	require.Error(t, err)
}
