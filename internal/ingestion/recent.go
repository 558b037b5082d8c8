package ingestion

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/mailext/ingestion/internal/hostkv"
	"github.com/mailext/ingestion/internal/imapconn"
)

const (
	recentCollection = "recent"
	recentCapacity   = 50
)

// RecentMessage is the subset of a delivered message the tool surface's
// mail_list_recent/mail_get operations can read back, independent of the
// dedup ledger (which only tracks claim state, not content).
type RecentMessage struct {
	AccountID string `json:"account_id"`
	UID       uint32 `json:"uid"`
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Date      string `json:"date"`
	Body      string `json:"body"`
}

// RecentStore keeps a capped, most-recent-first window of delivered
// messages per account so the tool surface can serve mail_list_recent and
// mail_get without re-fetching from the mailbox.
type RecentStore struct {
	storage hostkv.Storage
}

func NewRecentStore(storage hostkv.Storage) *RecentStore {
	return &RecentStore{storage: storage}
}

// Record appends msg to accountID's recent window, evicting the oldest
// entry once recentCapacity is exceeded.
func (r *RecentStore) Record(ctx context.Context, accountID string, msg imapconn.Message) error {
	existing, err := r.list(ctx, accountID)
	if err != nil {
		return err
	}
	existing = append([]RecentMessage{{
		AccountID: accountID,
		UID:       msg.UID,
		MessageID: msg.MessageID,
		From:      msg.From,
		To:        msg.To,
		Subject:   msg.Subject,
		Date:      msg.Date.Format("2006-01-02T15:04:05Z07:00"),
		Body:      msg.TextBody,
	}}, existing...)
	if len(existing) > recentCapacity {
		existing = existing[:recentCapacity]
	}
	raw, err := json.Marshal(existing)
	if err != nil {
		return errors.Wrap(err, "recent: encode")
	}
	if err := r.storage.Put(ctx, recentCollection, accountID, raw); err != nil {
		return errors.Wrap(err, "recent: put")
	}
	return nil
}

func (r *RecentStore) list(ctx context.Context, accountID string) ([]RecentMessage, error) {
	raw, err := r.storage.Get(ctx, recentCollection, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "recent: get")
	}
	if raw == nil {
		return nil, nil
	}
	var msgs []RecentMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, errors.Wrap(err, "recent: decode")
	}
	return msgs, nil
}

// ListForAccounts returns the merged, date-descending recent window across
// every account id given, capped to limit.
func (r *RecentStore) ListForAccounts(ctx context.Context, accountIDs []string, limit int) ([]RecentMessage, error) {
	var all []RecentMessage
	for _, id := range accountIDs {
		msgs, err := r.list(ctx, id)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Date > all[j].Date })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Get finds one message by account id and UID within the recent window.
func (r *RecentStore) Get(ctx context.Context, accountID string, uid uint32) (*RecentMessage, error) {
	msgs, err := r.list(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.UID == uid {
			return &m, nil
		}
	}
	return nil, nil
}
