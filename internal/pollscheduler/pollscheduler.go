// Package pollscheduler drives the poll fallback: a periodic sweep per user
// that runs the same HandleAccount path an IDLE push would, so a missed or
// degraded IDLE session still gets new mail delivered within one interval.
package pollscheduler

import (
	"context"
	"time"

	"github.com/mailext/ingestion/internal/hostkv"
	"github.com/mailext/ingestion/internal/ingestion"
	"github.com/mailext/ingestion/internal/logging"
	"github.com/mailext/ingestion/internal/models"
	"github.com/mailext/ingestion/internal/provider"
)

// WorkerLookup resolves the Worker that owns userID's accounts, or nil if
// the user has none.
type WorkerLookup func(userID string) *ingestion.Worker

// Scheduler registers one recurring poll job per user with the host
// scheduler (internal/hostkv.Scheduler), defaulting to a 5-minute interval.
type Scheduler struct {
	host     hostkv.Scheduler
	accounts *ingestion.AccountStore
	resolver *provider.Resolver
	lookup   WorkerLookup
	log      logging.Logger
	interval time.Duration

	cancels map[string]func()
}

func New(host hostkv.Scheduler, accounts *ingestion.AccountStore, resolver *provider.Resolver, lookup WorkerLookup, log logging.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		host:     host,
		accounts: accounts,
		resolver: resolver,
		lookup:   lookup,
		log:      log,
		interval: interval,
		cancels:  make(map[string]func()),
	}
}

// RegisterUser schedules a recurring poll job for userID. Calling it again
// for the same user replaces the previous job.
func (s *Scheduler) RegisterUser(ctx context.Context, userID string) {
	if cancel, ok := s.cancels[userID]; ok {
		cancel()
	}
	cancel := s.host.ScheduleEvery(ctx, "poll:"+userID, s.interval, func(ctx context.Context) {
		s.sweepUser(ctx, userID)
	})
	s.cancels[userID] = cancel
}

// UnregisterUser stops userID's poll job, e.g. when they have no more
// enabled accounts.
func (s *Scheduler) UnregisterUser(userID string) {
	if cancel, ok := s.cancels[userID]; ok {
		cancel()
		delete(s.cancels, userID)
	}
}

func (s *Scheduler) sweepUser(ctx context.Context, userID string) {
	worker := s.lookup(userID)
	if worker == nil {
		return
	}
	accounts, err := s.accounts.ListForUser(ctx, userID)
	if err != nil {
		s.log.Warn("poll sweep: list accounts failed", logging.String("user_id", userID), logging.Err(err))
		return
	}
	for _, account := range accounts {
		if !account.Enabled {
			continue
		}
		s.sweepAccount(ctx, worker, account)
	}
}

func (s *Scheduler) sweepAccount(ctx context.Context, worker *ingestion.Worker, account models.Account) {
	creds, err := s.accounts.Credentials(ctx, account.ID)
	if err != nil {
		s.log.Warn("poll sweep: credentials unavailable", logging.String("account_id", account.ID), logging.Err(err))
		return
	}
	params, refreshed, err := s.resolver.Resolve(ctx, account, creds)
	if err != nil {
		s.log.Warn("poll sweep: resolve failed", logging.String("account_id", account.ID), logging.Err(err))
		return
	}
	if refreshed.Kind == models.AuthOAuth2 {
		_ = s.accounts.UpdateCredentials(ctx, account.ID, refreshed)
	}
	if err := worker.HandleAccount(ctx, account.ID, params); err != nil {
		s.log.Warn("poll sweep: handle account failed", logging.String("account_id", account.ID), logging.Err(err))
	}
}
