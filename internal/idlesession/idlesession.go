// Package idlesession drives one account's IMAP IDLE lifecycle through a
// full connect/idle/backoff state machine: Idle, Connected, Locked, Idling,
// Backoff, Dead, Stopped.
package idlesession

import (
	"context"
	"sync"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"

	"github.com/mailext/ingestion/internal/imapconn"
	"github.com/mailext/ingestion/internal/ingesterr"
	"github.com/mailext/ingestion/internal/logging"
	"github.com/mailext/ingestion/internal/provider"
)

// State is one node of the session's connect/idle/backoff state machine.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateLocked
	StateIdling
	StateBackoff
	StateDead
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateLocked:
		return "locked"
	case StateIdling:
		return "idling"
	case StateBackoff:
		return "backoff"
	case StateDead:
		return "dead"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Dialer abstracts imapconn.Dial so this package stays independent of the
// concrete connector (and is easy to fake in tests).
type Dialer func(ctx context.Context, accountID string, params provider.ConnectionParams) (*imapconn.Conn, error)

// Session owns one account's long-lived IDLE connection, reconnecting with
// backoff up to MaxReconnects before going Dead, and refreshing the IDLE
// command every RefreshInterval (servers disconnect idle after ~30 minutes).
type Session struct {
	AccountID string
	dial      Dialer
	params    provider.ConnectionParams
	onExists  func()
	log       logging.Logger

	RefreshInterval time.Duration
	BackoffWait     time.Duration
	MaxReconnects   int

	mu    sync.Mutex
	state State
}

// Options configures a Session; zero values fall back to the defaults
// (25-minute refresh, 5s backoff wait, 5 reconnect attempts).
type Options struct {
	RefreshInterval time.Duration
	BackoffWait     time.Duration
	MaxReconnects   int
}

// New builds a Session. onExists is invoked (from the session's own
// goroutine) whenever the server reports new mail via an untagged EXISTS
// update; callers must not block for long inside it.
func New(accountID string, dial Dialer, params provider.ConnectionParams, onExists func(), log logging.Logger, opts Options) *Session {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 25 * time.Minute
	}
	if opts.BackoffWait <= 0 {
		opts.BackoffWait = 5 * time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 5
	}
	return &Session{
		AccountID:       accountID,
		dial:            dial,
		params:          params,
		onExists:        onExists,
		log:             log,
		RefreshInterval: opts.RefreshInterval,
		BackoffWait:     opts.BackoffWait,
		MaxReconnects:   opts.MaxReconnects,
		state:           StateIdle,
	}
}

// State reports the session's current node, for diagnostics/tests.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session until ctx is cancelled or it goes Dead after
// MaxReconnects consecutive failures. It never returns nil except on
// deliberate Stop via ctx cancellation.
func (s *Session) Run(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return nil
		default:
		}

		s.setState(StateConnected)
		err := s.runOnce(ctx)
		if err == nil {
			failures = 0
			continue // refresh boundary, not a failure: reconnect and keep going
		}
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return nil
		}

		failures++
		s.log.Warn("idle session failure",
			logging.String("account_id", s.AccountID),
			logging.Int("failures", failures),
			logging.Err(err))

		if failures >= s.MaxReconnects {
			s.setState(StateDead)
			return ingesterr.Wrap(err, ingesterr.KindTransient, s.AccountID, "")
		}

		s.setState(StateBackoff)
		timer := time.NewTimer(s.BackoffWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateStopped)
			return nil
		case <-timer.C:
		}
	}
}

// runOnce connects, locks the mailbox with IDLE, and watches for updates
// until RefreshInterval elapses (a clean, expected boundary — the caller
// loops and reconnects) or an error/ctx-cancel ends it early.
func (s *Session) runOnce(ctx context.Context) error {
	conn, err := s.dial(ctx, s.AccountID, s.params)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.setState(StateLocked)
	raw := conn.Raw()

	updates := make(chan imapclient.Update, 4)
	raw.Updates = updates

	idleClient := idle.NewClient(raw)

	refreshCtx, cancel := context.WithTimeout(ctx, s.RefreshInterval)
	defer cancel()

	s.setState(StateIdling)
	idleErrs := make(chan error, 1)
	go func() {
		idleErrs <- idleClient.IdleWithFallback(refreshCtx.Done(), 0)
	}()

	for {
		select {
		case u := <-updates:
			if _, ok := u.(*imapclient.MailboxUpdate); ok {
				s.onExists()
			}
		case err := <-idleErrs:
			if refreshCtx.Err() != nil && err == nil {
				return nil // clean refresh boundary
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}
