// Package ingestion implements the per-user worker that loads accounts,
// keeps one IDLE session per account alive, and on new mail (from either
// the IDLE push or the poll fallback) claims and delivers it exactly once.
package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mailext/ingestion/internal/dedup"
	"github.com/mailext/ingestion/internal/delivery"
	"github.com/mailext/ingestion/internal/idlesession"
	"github.com/mailext/ingestion/internal/imapconn"
	"github.com/mailext/ingestion/internal/ingesterr"
	"github.com/mailext/ingestion/internal/logging"
	"github.com/mailext/ingestion/internal/models"
	"github.com/mailext/ingestion/internal/provider"
)

var (
	newMailEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_new_mail_events_total",
		Help: "New-mail handling outcomes, by result",
	}, []string{"account_id", "result"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestion_active_idle_sessions",
		Help: "Number of currently running IDLE sessions",
	})
)

// Worker owns every account belonging to one user: their IDLE sessions, the
// token-refresh loop, and the shared new-mail handling path used by both
// IDLE pushes and the poll fallback (internal/pollscheduler calls
// HandleAccount directly).
type Worker struct {
	UserID string

	accounts *AccountStore
	settings *SettingsStore
	resolver *provider.Resolver
	dedup    *dedup.Store
	sink     *delivery.Sink
	recent   *RecentStore
	log      logging.Logger

	fetchLimit  int
	tokenBuffer time.Duration
	idleOpts    idlesession.Options

	// recentlyHandled short-circuits duplicate onExists bursts (multiple
	// EXISTS updates for the same batch of mail) before they even reach
	// try_claim, purely as a local optimization — try_claim remains the
	// source of truth for correctness.
	recentlyHandled *cache.Cache

	mu       sync.Mutex
	sessions map[string]*sessionHandle
}

type sessionHandle struct {
	session *idlesession.Session
	cancel  context.CancelFunc
}

// Options configures a Worker; zero values fall back to package defaults.
type Options struct {
	FetchLimit  int
	TokenBuffer time.Duration
	Idle        idlesession.Options
}

func NewWorker(userID string, accounts *AccountStore, settings *SettingsStore, resolver *provider.Resolver, dedupStore *dedup.Store, sink *delivery.Sink, recent *RecentStore, log logging.Logger, opts Options) *Worker {
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 50
	}
	if opts.TokenBuffer <= 0 {
		opts.TokenBuffer = 5 * time.Minute
	}
	return &Worker{
		UserID:          userID,
		accounts:        accounts,
		settings:        settings,
		resolver:        resolver,
		dedup:           dedupStore,
		sink:            sink,
		recent:          recent,
		log:             log.With(logging.String("user_id", userID)),
		fetchLimit:      opts.FetchLimit,
		tokenBuffer:     opts.TokenBuffer,
		idleOpts:        opts.Idle,
		recentlyHandled: cache.New(30*time.Second, time.Minute),
		sessions:        make(map[string]*sessionHandle),
	}
}

// Start loads the user's enabled accounts and spins up one IDLE session per
// account. It returns once every session has been launched; sessions keep
// running in their own goroutines until ctx is cancelled or StopAccount is
// called.
func (w *Worker) Start(ctx context.Context) error {
	accounts, err := w.accounts.ListForUser(ctx, w.UserID)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if !account.Enabled {
			continue
		}
		if err := w.StartAccount(ctx, account); err != nil {
			w.log.Warn("failed to start account session",
				logging.String("account_id", account.ID), logging.Err(err))
		}
	}
	return nil
}

// StartAccount establishes the baseline watermark (if none exists yet — an
// account's first watch must never notify for mail that predates it) and
// launches its IDLE session. It does nothing if a session for the account is
// already running.
func (w *Worker) StartAccount(ctx context.Context, account models.Account) error {
	w.mu.Lock()
	_, running := w.sessions[account.ID]
	w.mu.Unlock()
	if running {
		return nil
	}

	creds, err := w.accounts.Credentials(ctx, account.ID)
	if err != nil {
		return err
	}
	params, refreshedCreds, err := w.resolver.Resolve(ctx, account, creds)
	if err != nil {
		return err
	}
	if refreshedCreds.Kind == models.AuthOAuth2 {
		_ = w.accounts.UpdateCredentials(ctx, account.ID, refreshedCreds)
	}

	if err := w.establishBaseline(ctx, account.ID, params); err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	dial := func(ctx context.Context, accountID string, params provider.ConnectionParams) (*imapconn.Conn, error) {
		return imapconn.Dial(ctx, accountID, params)
	}
	session := idlesession.New(account.ID, dial, params, func() {
		go w.onExists(sessCtx, account.ID, params)
	}, w.log, w.idleOpts)

	w.mu.Lock()
	w.sessions[account.ID] = &sessionHandle{session: session, cancel: cancel}
	w.mu.Unlock()
	activeSessions.Inc()

	go func() {
		defer activeSessions.Dec()
		if err := session.Run(sessCtx); err != nil {
			w.log.Warn("idle session ended", logging.String("account_id", account.ID), logging.Err(err))
		}
	}()
	return nil
}

// establishBaseline sets the account's watermark to the mailbox's current
// highest UID the first time it's watched, so startup never triggers a
// flood of "new" mail for messages that already existed.
func (w *Worker) establishBaseline(ctx context.Context, accountID string, params provider.ConnectionParams) error {
	wm, err := w.dedup.Watermark(ctx, accountID)
	if err != nil {
		return err
	}
	if wm > 0 {
		return nil // already has a baseline
	}
	conn, err := imapconn.Dial(ctx, accountID, params)
	if err != nil {
		return err
	}
	defer conn.Close()

	// A wide fetch_since(0, ...) returns every message currently in the
	// mailbox; only its highest UID matters here, the mail itself is
	// discarded since the baseline must never trigger a delivery.
	all, err := conn.FetchSince(ctx, 0, 1<<20)
	if err != nil {
		return err
	}
	var highest uint32
	for _, m := range all {
		if m.UID > highest {
			highest = m.UID
		}
	}
	return w.dedup.AdvanceWatermark(ctx, accountID, highest)
}

// onExists runs when the IDLE session observes new mail. It skips accounts
// handled within the recentlyHandled window and otherwise calls
// HandleAccount, the same exactly-once path pollscheduler calls directly on
// its own ticker.
func (w *Worker) onExists(ctx context.Context, accountID string, params provider.ConnectionParams) {
	if _, hit := w.recentlyHandled.Get(accountID); hit {
		return
	}
	w.recentlyHandled.Set(accountID, true, cache.DefaultExpiration)

	if err := w.HandleAccount(ctx, accountID, params); err != nil {
		w.log.Warn("new mail handling failed", logging.String("account_id", accountID), logging.Err(err))
	}
}

// HandleAccount fetches everything since the account's watermark, claims and
// delivers each message exactly once, and advances the watermark past the
// highest UID seen — regardless of whether this particular call claimed it,
// since a concurrent caller claiming it still means it's been handled.
func (w *Worker) HandleAccount(ctx context.Context, accountID string, params provider.ConnectionParams) error {
	conn, err := imapconn.Dial(ctx, accountID, params)
	if err != nil {
		return err
	}
	defer conn.Close()

	wm, err := w.dedup.Watermark(ctx, accountID)
	if err != nil {
		return err
	}

	msgs, err := conn.FetchSince(ctx, wm, w.fetchLimit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	account, err := w.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return ingesterr.Wrap(fmt.Errorf("account %s not found", accountID), ingesterr.KindProgrammer, accountID, w.UserID)
	}
	settings, err := w.settings.Get(ctx, w.UserID)
	if err != nil {
		return err
	}

	var highest uint32
	for _, msg := range msgs {
		claimed, err := w.dedup.TryClaim(ctx, accountID, msg.MessageID, msg.UID)
		if err != nil {
			w.log.Warn("try_claim failed", logging.String("account_id", accountID), logging.Err(err))
			newMailEvents.WithLabelValues(accountID, "claim_error").Inc()
			continue
		}
		if claimed {
			if err := w.recent.Record(ctx, accountID, msg); err != nil {
				w.log.Warn("recording recent message failed", logging.String("account_id", accountID), logging.Err(err))
			}
			if err := w.sink.Deliver(ctx, w.UserID, msg, settings.Instruction); err != nil {
				newMailEvents.WithLabelValues(accountID, "delivery_failed").Inc()
			} else {
				newMailEvents.WithLabelValues(accountID, "delivered").Inc()
			}
		} else {
			newMailEvents.WithLabelValues(accountID, "already_claimed").Inc()
		}
		if msg.UID > highest {
			highest = msg.UID
		}
	}
	if highest > 0 {
		if err := w.dedup.AdvanceWatermark(ctx, accountID, highest); err != nil {
			return err
		}
	}
	return nil
}

// StopAccount cancels the account's IDLE session, if running.
func (w *Worker) StopAccount(accountID string) {
	w.mu.Lock()
	handle, ok := w.sessions[accountID]
	if ok {
		delete(w.sessions, accountID)
	}
	w.mu.Unlock()
	if ok {
		handle.cancel()
	}
}

// Stop cancels every running IDLE session for this worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	handles := w.sessions
	w.sessions = make(map[string]*sessionHandle)
	w.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

// RefreshTokens re-resolves connection params (triggering an OAuth2 refresh
// if due) for every OAuth2 account, persisting any refreshed credentials.
// Intended to be driven by a 30-minute ticker.
func (w *Worker) RefreshTokens(ctx context.Context) {
	accounts, err := w.accounts.ListForUser(ctx, w.UserID)
	if err != nil {
		w.log.Warn("refresh tokens: list accounts failed", logging.Err(err))
		return
	}
	for _, account := range accounts {
		if account.Auth != models.AuthOAuth2 || !account.Enabled {
			continue
		}
		creds, err := w.accounts.Credentials(ctx, account.ID)
		if err != nil {
			continue
		}
		_, refreshed, err := w.resolver.Resolve(ctx, account, creds)
		if err != nil {
			w.log.Warn("token refresh failed", logging.String("account_id", account.ID), logging.Err(err))
			continue
		}
		_ = w.accounts.UpdateCredentials(ctx, account.ID, refreshed)
	}
}
