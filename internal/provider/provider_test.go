package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailext/ingestion/internal/models"
)

type fakeTokens struct {
	needsRefresh bool
	refreshed    models.OAuth2Credentials
	refreshErr   error
	refreshCalls int
}

func (f *fakeTokens) NeedsRefresh(creds models.OAuth2Credentials, now time.Time) bool {
	return f.needsRefresh
}

func (f *fakeTokens) Refresh(ctx context.Context, provider models.Provider, creds models.OAuth2Credentials) (models.OAuth2Credentials, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return models.OAuth2Credentials{}, f.refreshErr
	}
	return f.refreshed, nil
}

func TestResolveGmailUsesFixedEndpointAndXOAuth2(t *testing.T) {
	t.Parallel()
	r := NewResolver(&fakeTokens{})
	account := models.Account{ID: "a1", Email: "me@gmail.com", Provider: models.ProviderGmail, Auth: models.AuthOAuth2}
	creds := models.Credentials{Kind: models.AuthOAuth2, OAuth2: &models.OAuth2Credentials{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}}

	params, _, err := r.Resolve(context.Background(), account, creds)
	require.NoError(t, err)
	assert.Equal(t, "imap.gmail.com", params.Host)
	assert.Equal(t, 993, params.Port)
	assert.True(t, params.UseXOAuth2)
	assert.Equal(t, "tok", params.AccessToken)
	assert.Equal(t, "me@gmail.com", params.Username)
}

func TestResolveGmailRefreshesStaleToken(t *testing.T) {
	t.Parallel()
	tokens := &fakeTokens{
		needsRefresh: true,
		refreshed:    models.OAuth2Credentials{AccessToken: "fresh", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)},
	}
	r := NewResolver(tokens)
	account := models.Account{ID: "a1", Email: "me@gmail.com", Provider: models.ProviderGmail, Auth: models.AuthOAuth2}
	creds := models.Credentials{Kind: models.AuthOAuth2, OAuth2: &models.OAuth2Credentials{AccessToken: "stale", ExpiresAt: time.Now()}}

	params, newCreds, err := r.Resolve(context.Background(), account, creds)
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.refreshCalls)
	assert.Equal(t, "fresh", params.AccessToken)
	assert.Equal(t, "fresh", newCreds.OAuth2.AccessToken)
	assert.Equal(t, "rt", newCreds.OAuth2.RefreshToken)
}

func TestResolveGmailRefreshErrorPropagates(t *testing.T) {
	t.Parallel()
	tokens := &fakeTokens{needsRefresh: true, refreshErr: assertErr("refresh failed")}
	r := NewResolver(tokens)
	account := models.Account{ID: "a1", Email: "me@gmail.com", Provider: models.ProviderGmail, Auth: models.AuthOAuth2}
	creds := models.Credentials{Kind: models.AuthOAuth2, OAuth2: &models.OAuth2Credentials{AccessToken: "stale"}}

	_, _, err := r.Resolve(context.Background(), account, creds)
	assert.Error(t, err)
}

func TestResolveGmailMissingOAuth2CredsErrors(t *testing.T) {
	t.Parallel()
	r := NewResolver(&fakeTokens{})
	account := models.Account{ID: "a1", Email: "me@gmail.com", Provider: models.ProviderGmail, Auth: models.AuthOAuth2}

	_, _, err := r.Resolve(context.Background(), account, models.Credentials{Kind: models.AuthOAuth2})
	assert.Error(t, err)
}

func TestResolveICloudUsesPasswordCredentials(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil)
	account := models.Account{ID: "a2", Email: "me@icloud.com", Provider: models.ProviderICloud, Auth: models.AuthPassword}
	creds := models.Credentials{Kind: models.AuthPassword, Password: &models.PasswordCredentials{Username: "me@icloud.com", Password: "app-pass"}}

	params, _, err := r.Resolve(context.Background(), account, creds)
	require.NoError(t, err)
	assert.Equal(t, "imap.mail.me.com", params.Host)
	assert.False(t, params.UseXOAuth2)
	assert.Equal(t, "app-pass", params.Password)
}

func TestResolveICloudMissingPasswordErrors(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil)
	account := models.Account{ID: "a2", Email: "me@icloud.com", Provider: models.ProviderICloud, Auth: models.AuthPassword}

	_, _, err := r.Resolve(context.Background(), account, models.Credentials{Kind: models.AuthPassword})
	assert.Error(t, err)
}

func TestResolveGenericIMAPUsesAccountHostAndDefaultsSecurity(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil)
	account := models.Account{
		ID: "a3", Email: "me@example.com", Provider: models.ProviderIMAP,
		IMAPHost: "mail.example.com", IMAPPort: 993,
	}
	creds := models.Credentials{Kind: models.AuthPassword, Password: &models.PasswordCredentials{Username: "me", Password: "pw"}}

	params, _, err := r.Resolve(context.Background(), account, creds)
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", params.Host)
	assert.Equal(t, 993, params.Port)
	assert.Equal(t, models.SecuritySSL, params.Security)
}

func TestResolveGenericIMAPHonorsExplicitSecurity(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil)
	account := models.Account{
		ID: "a3", Email: "me@example.com", Provider: models.ProviderIMAP,
		IMAPHost: "mail.example.com", IMAPPort: 143, Security: models.SecurityStartTLS,
	}
	creds := models.Credentials{Kind: models.AuthPassword, Password: &models.PasswordCredentials{Username: "me", Password: "pw"}}

	params, _, err := r.Resolve(context.Background(), account, creds)
	require.NoError(t, err)
	assert.Equal(t, models.SecurityStartTLS, params.Security)
}

func TestResolveUnsupportedProviderErrors(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil)
	account := models.Account{ID: "a4", Email: "x@y.com", Provider: "carrier-pigeon"}

	_, _, err := r.Resolve(context.Background(), account, models.Credentials{})
	assert.Error(t, err)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
