package ingestion

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/mailext/ingestion/internal/hostkv"
	"github.com/mailext/ingestion/internal/models"
)

const accountsCollection = "accounts"

// AccountStore persists Account rows (never credentials — those live in the
// SecretVault under models.CredentialsKey). It keeps no per-user index;
// ListForUser filters a scan of every row.
type AccountStore struct {
	storage hostkv.Storage
	vault   hostkv.SecretVault
}

func NewAccountStore(storage hostkv.Storage, vault hostkv.SecretVault) *AccountStore {
	return &AccountStore{storage: storage, vault: vault}
}

func (s *AccountStore) Get(ctx context.Context, accountID string) (*models.Account, error) {
	raw, err := s.storage.Get(ctx, accountsCollection, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "accounts: get")
	}
	if raw == nil {
		return nil, nil
	}
	var account models.Account
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, errors.Wrap(err, "accounts: decode")
	}
	return &account, nil
}

// ListAll returns every account row on record, across all users. Used by the
// supervisor's boot-time discovery scan.
func (s *AccountStore) ListAll(ctx context.Context) ([]models.Account, error) {
	ids, err := s.storage.List(ctx, accountsCollection)
	if err != nil {
		return nil, errors.Wrap(err, "accounts: list all")
	}
	var result []models.Account
	for _, id := range ids {
		account, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if account != nil {
			result = append(result, *account)
		}
	}
	return result, nil
}

// ListForUser returns every account row belonging to userID. It scans the
// full collection; a real deployment would maintain a secondary per-user
// index, left as a known scaling limit (see design notes).
func (s *AccountStore) ListForUser(ctx context.Context, userID string) ([]models.Account, error) {
	ids, err := s.storage.List(ctx, accountsCollection)
	if err != nil {
		return nil, errors.Wrap(err, "accounts: list")
	}
	var result []models.Account
	for _, id := range ids {
		account, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if account != nil && account.UserID == userID {
			result = append(result, *account)
		}
	}
	return result, nil
}

// Create validates and persists account, then stores its credentials in the
// vault under models.CredentialsKey(account.ID).
func (s *AccountStore) Create(ctx context.Context, account models.Account, creds models.Credentials) error {
	if err := account.Validate(); err != nil {
		return errors.Wrap(err, "accounts: invalid account")
	}
	if err := s.putCredentials(ctx, account.ID, creds); err != nil {
		return err
	}
	return s.put(ctx, account)
}

func (s *AccountStore) Update(ctx context.Context, account models.Account) error {
	if err := account.Validate(); err != nil {
		return errors.Wrap(err, "accounts: invalid account")
	}
	return s.put(ctx, account)
}

func (s *AccountStore) Delete(ctx context.Context, accountID string) error {
	if err := s.vault.DeleteSecret(ctx, models.CredentialsKey(accountID)); err != nil {
		return errors.Wrap(err, "accounts: delete credentials")
	}
	if err := s.storage.Delete(ctx, accountsCollection, accountID); err != nil {
		return errors.Wrap(err, "accounts: delete")
	}
	return nil
}

func (s *AccountStore) Credentials(ctx context.Context, accountID string) (models.Credentials, error) {
	raw, err := s.vault.GetSecret(ctx, models.CredentialsKey(accountID))
	if err != nil {
		return models.Credentials{}, errors.Wrap(err, "accounts: get credentials")
	}
	if raw == nil {
		return models.Credentials{}, errors.Errorf("no credentials stored for account %s", accountID)
	}
	var creds models.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return models.Credentials{}, errors.Wrap(err, "accounts: decode credentials")
	}
	return creds, nil
}

// UpdateCredentials overwrites a stored account's credentials, used after an
// OAuth2 refresh or reconnect re-auth.
func (s *AccountStore) UpdateCredentials(ctx context.Context, accountID string, creds models.Credentials) error {
	return s.putCredentials(ctx, accountID, creds)
}

func (s *AccountStore) putCredentials(ctx context.Context, accountID string, creds models.Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return errors.Wrap(err, "accounts: encode credentials")
	}
	if err := s.vault.PutSecret(ctx, models.CredentialsKey(accountID), raw); err != nil {
		return errors.Wrap(err, "accounts: put credentials")
	}
	return nil
}

func (s *AccountStore) put(ctx context.Context, account models.Account) error {
	raw, err := json.Marshal(account)
	if err != nil {
		return errors.Wrap(err, "accounts: encode")
	}
	if err := s.storage.Put(ctx, accountsCollection, account.ID, raw); err != nil {
		return errors.Wrap(err, "accounts: put")
	}
	return nil
}
