// Package ingesterr models the ingestion engine's error kinds, each with its
// own treatment by the retry helper (internal/retryutil) and by callers
// deciding whether to log-and-continue or tear down a session.
package ingesterr

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error for retry/propagation purposes.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindAuthFailed
	KindParseFailed
	KindOAuthPending
	KindOAuthFatal
	KindClaimLost
	KindSinkFailure
	KindProgrammer
)

// Error wraps an underlying cause with a Kind and optional IMAP response
// details: an authenticationFailed flag when applicable, the server
// response code, and human-readable response text.
type Error struct {
	Kind         Kind
	Cause        error
	AccountID    string
	UserID       string
	ResponseCode string
	ResponseText string
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("ingesterr[%d]", e.Kind)
	}
	return e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// IsAuthFailed reports the authenticationFailed flag.
func (e *Error) IsAuthFailed() bool { return e.Kind == KindAuthFailed }

// Wrap annotates err with account/user context, using pkg/errors so the
// original stack trace survives.
func Wrap(err error, kind Kind, accountID, userID string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      kind,
		Cause:     pkgerrors.Wrapf(err, "account=%s user=%s", accountID, userID),
		AccountID: accountID,
		UserID:    userID,
	}
}

// transientSubstrings are the message fragments treated as transient:
// timeouts, connection reset/refused, DNS, host unreachable, socket hang up.
var transientSubstrings = []string{
	"timeout",
	"i/o timeout",
	"connection reset",
	"connection refused",
	"no such host",
	"host unreachable",
	"network unreachable",
	"socket hang up",
	"broken pipe",
	"eof",
	"temporary failure",
	"dial tcp",
}

// IsTransient classifies a raw error (e.g. from the IMAP/TCP layer) as
// transient: it retries only errors whose message or code matches the
// transient set.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsOAuthPending matches the device-grant "authorization_pending"/"slow_down"
// server errors.
func IsOAuthPending(errField string) bool {
	return errField == "authorization_pending" || errField == "slow_down"
}
