// Package models defines the data shapes owned by the ingestion core:
// accounts, their credentials, the dedup/processed ledger, per-user
// settings, and the in-memory edit state.
package models

import (
	"errors"
	"time"
)

// Provider tags the mailbox variant an Account connects to.
type Provider string

const (
	ProviderICloud  Provider = "icloud"
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderIMAP    Provider = "imap"
)

// SecurityMode is the transport security for a generic IMAP account.
type SecurityMode string

const (
	SecuritySSL      SecurityMode = "ssl"
	SecurityStartTLS SecurityMode = "starttls"
	SecurityNone     SecurityMode = "none"
)

// AuthKind discriminates the Credentials sum type stored in the vault.
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthOAuth2   AuthKind = "oauth2"
)

// Account is one (user, provider, email) mailbox the extension watches.
// Credentials are never embedded here; they live in the secret vault under
// CredentialsKey(id).
type Account struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Provider    Provider     `json:"provider"`
	DisplayName string       `json:"display_name"`
	Email       string       `json:"email"`
	IMAPHost    string       `json:"imap_host,omitempty"`
	IMAPPort    int          `json:"imap_port,omitempty"`
	Security    SecurityMode `json:"security,omitempty"`
	Auth        AuthKind     `json:"auth"`
	Enabled     bool         `json:"enabled"`
	LastSyncAt  *time.Time   `json:"last_sync_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
}

// CredentialsKey is the secret-vault key for an account's Credentials.
func CredentialsKey(accountID string) string {
	return "account-" + accountID + "-credentials"
}

// Validate checks per-provider invariants: generic IMAP requires a host,
// gmail/outlook require oauth2, icloud requires password.
func (a *Account) Validate() error {
	if a.UserID == "" {
		return errors.New("user id is required")
	}
	if a.Email == "" {
		return errors.New("email is required")
	}
	switch a.Provider {
	case ProviderIMAP:
		if a.IMAPHost == "" {
			return errors.New("generic imap account requires imap_host")
		}
	case ProviderGmail, ProviderOutlook:
		if a.Auth != AuthOAuth2 {
			return errors.New("gmail/outlook accounts require oauth2 credentials")
		}
	case ProviderICloud:
		if a.Auth != AuthPassword {
			return errors.New("icloud accounts require password (app-specific) credentials")
		}
	default:
		return errors.New("unknown provider: " + string(a.Provider))
	}
	return nil
}

// PasswordCredentials is the Password variant of Credentials.
type PasswordCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// OAuth2Credentials is the OAuth2 variant of Credentials.
type OAuth2Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Credentials is the sum type persisted in the secret vault, tagged by Kind.
type Credentials struct {
	Kind     AuthKind             `json:"kind"`
	Password *PasswordCredentials `json:"password,omitempty"`
	OAuth2   *OAuth2Credentials   `json:"oauth2,omitempty"`
}

// Processed is one row of the exactly-once ledger: (account, message-id, uid).
type Processed struct {
	AccountID   string    `json:"account_id"`
	MessageID   string    `json:"message_id"`
	UID         uint32    `json:"uid"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ProcessedDocID is the deterministic id used when the backing store needs
// one explicitly: prc_<account>_<messageId>.
func ProcessedDocID(accountID, messageID string) string {
	return "prc_" + accountID + "_" + messageID
}

// Settings is the one-row-per-user free-form instruction appended to every
// delivered email. Created lazily with an empty Instruction on first read.
type Settings struct {
	UserID      string `json:"user_id"`
	Instruction string `json:"instruction"`
}

// EditState is the in-memory, per-user form/OAuth scratch state. It is not
// persisted and is owned exclusively by the UI action handler.
type EditState struct {
	UserID        string            `json:"user_id"`
	FormFields    map[string]string `json:"form_fields,omitempty"`
	EditingID     string            `json:"editing_id,omitempty"`
	OAuthStatus   string            `json:"oauth_status,omitempty"` // "", "pending", "connected"
	OAuthProvider Provider          `json:"oauth_provider,omitempty"`
	DeviceCode    string            `json:"-"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
