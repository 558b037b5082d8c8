package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mailext/ingestion/internal/dedup"
	"github.com/mailext/ingestion/internal/delivery"
	"github.com/mailext/ingestion/internal/hostkv"
	"github.com/mailext/ingestion/internal/logging"
	"github.com/mailext/ingestion/internal/provider"
)

func newTestWorker(t *testing.T, opts Options) *Worker {
	t.Helper()
	storage := hostkv.NewMemStorage()
	vault := hostkv.NewMemVault()
	accounts := NewAccountStore(storage, vault)
	settings := NewSettingsStore(storage)
	dedupStore := dedup.New(storage)
	resolver := provider.NewResolver(nil)
	sink := delivery.NewSink(hostkv.NewWebhookChatSink(""), delivery.NewFormatter(), logging.NewNop())
	return NewWorker("u1", accounts, settings, resolver, dedupStore, sink, NewRecentStore(storage), logging.NewNop(), opts)
}

func TestNewWorkerAppliesDefaults(t *testing.T) {
	t.Parallel()
	w := newTestWorker(t, Options{})
	assert.Equal(t, 50, w.fetchLimit)
	assert.Equal(t, 5*time.Minute, w.tokenBuffer)
}

func TestNewWorkerHonorsExplicitOptions(t *testing.T) {
	t.Parallel()
	w := newTestWorker(t, Options{FetchLimit: 10, TokenBuffer: time.Minute})
	assert.Equal(t, 10, w.fetchLimit)
	assert.Equal(t, time.Minute, w.tokenBuffer)
}

func TestStopAccountOnUnknownAccountIsNoop(t *testing.T) {
	t.Parallel()
	w := newTestWorker(t, Options{})
	assert.NotPanics(t, func() { w.StopAccount("ghost") })
}

func TestStopWithNoSessionsIsNoop(t *testing.T) {
	t.Parallel()
	w := newTestWorker(t, Options{})
	assert.NotPanics(t, func() { w.Stop() })
}
