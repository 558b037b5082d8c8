package ingestion

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/mailext/ingestion/internal/hostkv"
	"github.com/mailext/ingestion/internal/models"
)

const settingsCollection = "settings"

// SettingsStore reads/writes the one-row-per-user free-form instruction,
// lazily creating an empty row on first read.
type SettingsStore struct {
	storage hostkv.Storage
}

func NewSettingsStore(storage hostkv.Storage) *SettingsStore {
	return &SettingsStore{storage: storage}
}

func (s *SettingsStore) Get(ctx context.Context, userID string) (models.Settings, error) {
	raw, err := s.storage.Get(ctx, settingsCollection, userID)
	if err != nil {
		return models.Settings{}, errors.Wrap(err, "settings: get")
	}
	if raw == nil {
		if err := s.Update(ctx, userID, ""); err != nil {
			return models.Settings{}, err
		}
		return models.Settings{UserID: userID}, nil
	}
	var settings models.Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return models.Settings{}, errors.Wrap(err, "settings: decode")
	}
	return settings, nil
}

func (s *SettingsStore) Update(ctx context.Context, userID, instruction string) error {
	settings := models.Settings{UserID: userID, Instruction: instruction}
	raw, err := json.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "settings: encode")
	}
	if err := s.storage.Put(ctx, settingsCollection, userID, raw); err != nil {
		return errors.Wrap(err, "settings: put")
	}
	return nil
}
