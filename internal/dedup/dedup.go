// Package dedup implements the exactly-once ledger: watermark,
// advance_watermark, is_processed and try_claim, all backed by the host Storage capability
// (internal/hostkv) and wrapped with metrics and pkg/errors context.
package dedup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mailext/ingestion/internal/hostkv"
	"github.com/mailext/ingestion/internal/models"
)

const (
	processedCollection = "processed"
	watermarkCollection = "watermark"
	claimTTL            = 24 * time.Hour
)

var (
	dedupOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "dedup_operation_duration_seconds",
		Help: "Duration of dedup ledger operations",
	}, []string{"operation"})

	dedupClaimOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dedup_claim_outcomes_total",
		Help: "Outcomes of try_claim calls, by result",
	}, []string{"result"})
)

// Store is the exactly-once ledger for one deployment, shared across all
// accounts (each key is namespaced by account id).
type Store struct {
	storage hostkv.Storage
}

func New(storage hostkv.Storage) *Store {
	return &Store{storage: storage}
}

// Watermark returns the highest UID ever processed for accountID, or 0 if
// none has been recorded yet.
func (s *Store) Watermark(ctx context.Context, accountID string) (uint32, error) {
	timer := prometheus.NewTimer(dedupOpDuration.WithLabelValues("watermark"))
	defer timer.ObserveDuration()

	raw, err := s.storage.Get(ctx, watermarkCollection, accountID)
	if err != nil {
		return 0, errors.Wrapf(err, "dedup: watermark %s", accountID)
	}
	if raw == nil {
		return 0, nil
	}
	var wm struct {
		UID uint32 `json:"uid"`
	}
	if err := json.Unmarshal(raw, &wm); err != nil {
		return 0, errors.Wrapf(err, "dedup: decode watermark %s", accountID)
	}
	return wm.UID, nil
}

// AdvanceWatermark raises accountID's watermark to uid if uid is higher than
// the stored value; lower values are ignored (watermarks never regress).
func (s *Store) AdvanceWatermark(ctx context.Context, accountID string, uid uint32) error {
	timer := prometheus.NewTimer(dedupOpDuration.WithLabelValues("advance_watermark"))
	defer timer.ObserveDuration()

	current, err := s.Watermark(ctx, accountID)
	if err != nil {
		return err
	}
	if uid <= current {
		return nil
	}
	raw, err := json.Marshal(struct {
		UID uint32 `json:"uid"`
	}{UID: uid})
	if err != nil {
		return errors.Wrap(err, "dedup: encode watermark")
	}
	if err := s.storage.Put(ctx, watermarkCollection, accountID, raw); err != nil {
		return errors.Wrapf(err, "dedup: put watermark %s", accountID)
	}
	return nil
}

// IsProcessed reports whether (accountID, messageID) already has a ledger
// row, without claiming it.
func (s *Store) IsProcessed(ctx context.Context, accountID, messageID string) (bool, error) {
	timer := prometheus.NewTimer(dedupOpDuration.WithLabelValues("is_processed"))
	defer timer.ObserveDuration()

	raw, err := s.storage.Get(ctx, processedCollection, models.ProcessedDocID(accountID, messageID))
	if err != nil {
		return false, errors.Wrap(err, "dedup: is_processed")
	}
	return raw != nil, nil
}

// TryClaim atomically reserves (accountID, messageID) for the caller. Only
// the first caller across all concurrent paths (IDLE push and poll
// fallback can race on the same message) gets claimed=true; everyone else
// sees false and must not deliver.
func (s *Store) TryClaim(ctx context.Context, accountID, messageID string, uid uint32) (bool, error) {
	timer := prometheus.NewTimer(dedupOpDuration.WithLabelValues("try_claim"))
	defer timer.ObserveDuration()

	row := models.Processed{
		AccountID:   accountID,
		MessageID:   messageID,
		UID:         uid,
		ProcessedAt: time.Now(),
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return false, errors.Wrap(err, "dedup: encode processed row")
	}

	claimed, err := s.storage.TryClaim(ctx, processedCollection, models.ProcessedDocID(accountID, messageID), raw, claimTTL)
	if err != nil {
		return false, errors.Wrap(err, "dedup: try_claim")
	}
	if claimed {
		dedupClaimOutcomes.WithLabelValues("claimed").Inc()
	} else {
		dedupClaimOutcomes.WithLabelValues("already_claimed").Inc()
	}
	return claimed, nil
}
