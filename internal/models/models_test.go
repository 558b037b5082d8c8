package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccountValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		account Account
		wantErr bool
	}{
		{
			name:    "generic imap requires host",
			account: Account{UserID: "u", Email: "a@b.com", Provider: ProviderIMAP},
			wantErr: true,
		},
		{
			name:    "generic imap with host is valid",
			account: Account{UserID: "u", Email: "a@b.com", Provider: ProviderIMAP, IMAPHost: "imap.example.com"},
			wantErr: false,
		},
		{
			name:    "gmail requires oauth2",
			account: Account{UserID: "u", Email: "a@b.com", Provider: ProviderGmail, Auth: AuthPassword},
			wantErr: true,
		},
		{
			name:    "gmail with oauth2 is valid",
			account: Account{UserID: "u", Email: "a@b.com", Provider: ProviderGmail, Auth: AuthOAuth2},
			wantErr: false,
		},
		{
			name:    "icloud requires password",
			account: Account{UserID: "u", Email: "a@b.com", Provider: ProviderICloud, Auth: AuthOAuth2},
			wantErr: true,
		},
		{
			name:    "icloud with password is valid",
			account: Account{UserID: "u", Email: "a@b.com", Provider: ProviderICloud, Auth: AuthPassword},
			wantErr: false,
		},
		{
			name:    "missing user id",
			account: Account{Email: "a@b.com", Provider: ProviderICloud, Auth: AuthPassword},
			wantErr: true,
		},
		{
			name:    "unknown provider",
			account: Account{UserID: "u", Email: "a@b.com", Provider: "carrier-pigeon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.account.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProcessedDocIDIsDeterministic(t *testing.T) {
	t.Parallel()
	a := ProcessedDocID("acct-1", "msg-1")
	b := ProcessedDocID("acct-1", "msg-1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, ProcessedDocID("acct-2", "msg-1"))
}

func TestCredentialsKeyIsStableAndScopedPerAccount(t *testing.T) {
	t.Parallel()
	assert.Equal(t, CredentialsKey("acct-1"), CredentialsKey("acct-1"))
	assert.NotEqual(t, CredentialsKey("acct-1"), CredentialsKey("acct-2"))
}
