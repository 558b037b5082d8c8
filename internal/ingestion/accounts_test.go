package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailext/ingestion/internal/hostkv"
	"github.com/mailext/ingestion/internal/models"
)

func newTestAccountStore() *AccountStore {
	return NewAccountStore(hostkv.NewMemStorage(), hostkv.NewMemVault())
}

func TestAccountStoreCreateGetRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestAccountStore()
	ctx := context.Background()

	account := models.Account{ID: "a1", UserID: "u1", Email: "a@b.com", Provider: models.ProviderIMAP, IMAPHost: "imap.example.com"}
	creds := models.Credentials{Kind: models.AuthPassword, Password: &models.PasswordCredentials{Username: "a", Password: "pw"}}

	require.NoError(t, store.Create(ctx, account, creds))

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, "imap.example.com", got.IMAPHost)

	gotCreds, err := store.Credentials(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "pw", gotCreds.Password.Password)
}

func TestAccountStoreCreateRejectsInvalidAccount(t *testing.T) {
	t.Parallel()
	store := newTestAccountStore()
	err := store.Create(context.Background(), models.Account{ID: "a1", UserID: "u1", Email: "a@b.com", Provider: models.ProviderIMAP}, models.Credentials{})
	assert.Error(t, err)
}

func TestAccountStoreGetMissingReturnsNilNotError(t *testing.T) {
	t.Parallel()
	store := newTestAccountStore()
	got, err := store.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAccountStoreListForUserFiltersByUser(t *testing.T) {
	t.Parallel()
	store := newTestAccountStore()
	ctx := context.Background()
	creds := models.Credentials{Kind: models.AuthPassword, Password: &models.PasswordCredentials{Username: "a", Password: "pw"}}

	require.NoError(t, store.Create(ctx, models.Account{ID: "a1", UserID: "u1", Email: "a@b.com", Provider: models.ProviderIMAP, IMAPHost: "h"}, creds))
	require.NoError(t, store.Create(ctx, models.Account{ID: "a2", UserID: "u2", Email: "b@b.com", Provider: models.ProviderIMAP, IMAPHost: "h"}, creds))
	require.NoError(t, store.Create(ctx, models.Account{ID: "a3", UserID: "u1", Email: "c@b.com", Provider: models.ProviderIMAP, IMAPHost: "h"}, creds))

	list, err := store.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAccountStoreDeleteRemovesAccountAndCredentials(t *testing.T) {
	t.Parallel()
	store := newTestAccountStore()
	ctx := context.Background()
	creds := models.Credentials{Kind: models.AuthPassword, Password: &models.PasswordCredentials{Username: "a", Password: "pw"}}
	require.NoError(t, store.Create(ctx, models.Account{ID: "a1", UserID: "u1", Email: "a@b.com", Provider: models.ProviderIMAP, IMAPHost: "h"}, creds))

	require.NoError(t, store.Delete(ctx, "a1"))

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = store.Credentials(ctx, "a1")
	assert.Error(t, err)
}

func TestAccountStoreUpdateCredentialsOverwrites(t *testing.T) {
	t.Parallel()
	store := newTestAccountStore()
	ctx := context.Background()
	account := models.Account{ID: "a1", UserID: "u1", Email: "a@b.com", Provider: models.ProviderGmail, Auth: models.AuthOAuth2}
	creds := models.Credentials{Kind: models.AuthOAuth2, OAuth2: &models.OAuth2Credentials{AccessToken: "old"}}
	require.NoError(t, store.Create(ctx, account, creds))

	require.NoError(t, store.UpdateCredentials(ctx, "a1", models.Credentials{Kind: models.AuthOAuth2, OAuth2: &models.OAuth2Credentials{AccessToken: "new"}}))

	got, err := store.Credentials(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.OAuth2.AccessToken)
}

func TestAccountStoreUpdateRejectsInvalidAccount(t *testing.T) {
	t.Parallel()
	store := newTestAccountStore()
	err := store.Update(context.Background(), models.Account{ID: "a1", UserID: "", Email: "a@b.com", Provider: models.ProviderIMAP, IMAPHost: "h"})
	assert.Error(t, err)
}
