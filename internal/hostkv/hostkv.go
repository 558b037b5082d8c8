// Package hostkv declares the narrow capability interfaces the host platform
// provides to the core (document storage, a secret vault, a scheduler, and
// a chat sink), plus a Redis-backed implementation: metrics-wrapped
// operations and pkg/errors context; failed operations are not retried.
package hostkv

import (
	"context"
	"time"
)

// Storage is the host's generic document store, keyed by string id within a
// collection/namespace. The core never assumes a schema beyond JSON bytes.
type Storage interface {
	Get(ctx context.Context, collection, id string) ([]byte, error)
	Put(ctx context.Context, collection, id string, value []byte) error
	Delete(ctx context.Context, collection, id string) error
	List(ctx context.Context, collection string) ([]string, error)
	// TryClaim atomically creates id in collection iff absent, returning
	// claimed=true on success. This is the primitive the exactly-once ledger
	// (internal/dedup) is built on.
	TryClaim(ctx context.Context, collection, id string, value []byte, ttl time.Duration) (claimed bool, err error)
}

// SecretVault stores account credentials separately from Storage so the
// host can apply stricter at-rest encryption.
type SecretVault interface {
	GetSecret(ctx context.Context, key string) ([]byte, error)
	PutSecret(ctx context.Context, key string, value []byte) error
	DeleteSecret(ctx context.Context, key string) error
}

// Scheduler lets the core register a periodic callback, backing the
// poll-fallback job without the core owning its own cron/ticker registry.
type Scheduler interface {
	ScheduleEvery(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) (cancel func())
}

// ChatSink is the one-way channel delivery writes into: appending an
// instruction block to the user's conversation. It never blocks ingestion on
// success or failure — delivery is fire-and-forget from the caller's
// perspective.
type ChatSink interface {
	AppendInstruction(ctx context.Context, userID, text string) error
}
