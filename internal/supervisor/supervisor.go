// Package supervisor owns the boot sequence and account-lifecycle wiring:
// building one Worker per active user, starting it, registering its poll
// fallback, and tearing everything down on shutdown or when a user's last
// account is removed.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/mailext/ingestion/internal/dedup"
	"github.com/mailext/ingestion/internal/delivery"
	"github.com/mailext/ingestion/internal/hostkv"
	"github.com/mailext/ingestion/internal/ingestion"
	"github.com/mailext/ingestion/internal/logging"
	"github.com/mailext/ingestion/internal/pollscheduler"
	"github.com/mailext/ingestion/internal/provider"
	"github.com/mailext/ingestion/internal/registry"
)

// Supervisor is the top-level process object: cmd/server constructs one and
// calls Boot/Shutdown around its HTTP listener's lifetime.
type Supervisor struct {
	accounts  *ingestion.AccountStore
	settings  *ingestion.SettingsStore
	resolver  *provider.Resolver
	dedup     *dedup.Store
	sink      *delivery.Sink
	recent    *ingestion.RecentStore
	scheduler *pollscheduler.Scheduler
	registry  *registry.Registry
	log       logging.Logger

	workerOpts   ingestion.Options
	tokenRefresh time.Duration

	mu      sync.Mutex
	workers map[string]*ingestion.Worker
	cancels map[string]context.CancelFunc
}

// Dependencies groups everything Supervisor needs from the host wiring
// (cmd/server assembles these from config + hostkv implementations).
type Dependencies struct {
	Storage       hostkv.Storage
	Vault         hostkv.SecretVault
	Scheduler     hostkv.Scheduler
	Chat          hostkv.ChatSink
	Resolver      *provider.Resolver
	Log           logging.Logger
	PollInterval  time.Duration
	TokenRefresh  time.Duration
	WorkerOptions ingestion.Options
}

func New(deps Dependencies) *Supervisor {
	accounts := ingestion.NewAccountStore(deps.Storage, deps.Vault)
	settings := ingestion.NewSettingsStore(deps.Storage)
	dedupStore := dedup.New(deps.Storage)
	sink := delivery.NewSink(deps.Chat, delivery.NewFormatter(), deps.Log)
	recent := ingestion.NewRecentStore(deps.Storage)
	reg := registry.New()

	s := &Supervisor{
		accounts:     accounts,
		settings:     settings,
		resolver:     deps.Resolver,
		dedup:        dedupStore,
		sink:         sink,
		recent:       recent,
		registry:     reg,
		log:          deps.Log,
		workerOpts:   deps.WorkerOptions,
		tokenRefresh: deps.TokenRefresh,
		workers:      make(map[string]*ingestion.Worker),
		cancels:      make(map[string]context.CancelFunc),
	}
	s.scheduler = pollscheduler.New(deps.Scheduler, accounts, deps.Resolver, s.workerFor, deps.Log, deps.PollInterval)
	return s
}

func (s *Supervisor) workerFor(userID string) *ingestion.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[userID]
}

// Resolver exposes the shared provider.Resolver so the HTTP transport layer
// can run one-off connection tests without duplicating breaker/limiter state.
func (s *Supervisor) Resolver() *provider.Resolver {
	return s.resolver
}

// Recent exposes the shared RecentStore so the HTTP transport layer can serve
// mail_list_recent/mail_get directly from it.
func (s *Supervisor) Recent() *ingestion.RecentStore {
	return s.recent
}

// Boot discovers every account currently on record and registers each
// enabled account with its user, so the registry holds each user's enabled
// account count; the first registration of a user starts their worker.
func (s *Supervisor) Boot(ctx context.Context) error {
	userIDs, err := s.discoverUsers(ctx)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		s.OnAccountAdded(ctx, userID)
	}
	return nil
}

// discoverUsers scans every account row and returns the owning user id once
// per enabled account. It's a full scan because the registry starts empty on
// boot; steady-state lookups go through the in-memory Registry instead.
func (s *Supervisor) discoverUsers(ctx context.Context) ([]string, error) {
	all, err := s.accounts.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var order []string
	for _, a := range all {
		if a.Enabled {
			order = append(order, a.UserID)
		}
	}
	return order, nil
}

// OnAccountAdded should be called whenever an account is created or
// re-enabled. If this is the user's first active account, it boots a new
// Worker and registers the poll fallback for them.
func (s *Supervisor) OnAccountAdded(ctx context.Context, userID string) {
	becameActive := s.registry.Register(userID)
	if !becameActive {
		s.ensureAccountStarted(ctx, userID)
		return
	}

	s.mu.Lock()
	workerCtx, cancel := context.WithCancel(context.Background())
	worker := ingestion.NewWorker(userID, s.accounts, s.settings, s.resolver, s.dedup, s.sink, s.recent, s.log, s.workerOpts)
	s.workers[userID] = worker
	s.cancels[userID] = cancel
	s.mu.Unlock()

	if err := worker.Start(workerCtx); err != nil {
		s.log.Warn("worker start failed", logging.String("user_id", userID), logging.Err(err))
	}
	s.scheduler.RegisterUser(workerCtx, userID)

	refresh := s.tokenRefresh
	if refresh <= 0 {
		refresh = 30 * time.Minute
	}
	go s.runTokenRefreshLoop(workerCtx, worker, refresh)
}

// ensureAccountStarted starts the IDLE session for a single newly-added
// account on an already-running worker (the user was already active).
func (s *Supervisor) ensureAccountStarted(ctx context.Context, userID string) {
	s.mu.Lock()
	worker := s.workers[userID]
	s.mu.Unlock()
	if worker == nil {
		return
	}
	accounts, err := s.accounts.ListForUser(ctx, userID)
	if err != nil {
		return
	}
	for _, account := range accounts {
		if account.Enabled {
			_ = worker.StartAccount(ctx, account)
		}
	}
}

func (s *Supervisor) runTokenRefreshLoop(ctx context.Context, worker *ingestion.Worker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			worker.RefreshTokens(ctx)
		}
	}
}

// OnAccountRemoved should be called whenever an account is deleted or
// disabled. If that was the user's last active account, it tears their
// worker and poll job down entirely.
func (s *Supervisor) OnAccountRemoved(ctx context.Context, userID, accountID string) {
	s.mu.Lock()
	worker := s.workers[userID]
	s.mu.Unlock()
	if worker != nil {
		worker.StopAccount(accountID)
	}

	becameInactive := s.registry.Unregister(userID)
	if !becameInactive {
		return
	}

	s.mu.Lock()
	cancel := s.cancels[userID]
	delete(s.workers, userID)
	delete(s.cancels, userID)
	s.mu.Unlock()

	s.scheduler.UnregisterUser(userID)
	if worker != nil {
		worker.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// Shutdown stops every running worker, draining in-flight IDLE sessions.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	workers := s.workers
	cancels := s.cancels
	s.workers = make(map[string]*ingestion.Worker)
	s.cancels = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	for userID, cancel := range cancels {
		s.scheduler.UnregisterUser(userID)
		cancel()
	}
	for _, worker := range workers {
		worker.Stop()
	}
}
