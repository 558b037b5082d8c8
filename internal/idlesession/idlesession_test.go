package idlesession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailext/ingestion/internal/imapconn"
	"github.com/mailext/ingestion/internal/logging"
	"github.com/mailext/ingestion/internal/provider"
)

func TestStateStringCoversAllNodes(t *testing.T) {
	t.Parallel()
	cases := map[State]string{
		StateIdle:      "idle",
		StateConnected: "connected",
		StateLocked:    "locked",
		StateIdling:    "idling",
		StateBackoff:   "backoff",
		StateDead:      "dead",
		StateStopped:   "stopped",
		State(99):      "unknown",
	}
	for st, want := range cases {
		assert.Equal(t, want, st.String())
	}
}

func failingDial(dialErr error) Dialer {
	return func(ctx context.Context, accountID string, params provider.ConnectionParams) (*imapconn.Conn, error) {
		return nil, dialErr
	}
}

func TestNewAppliesDefaultsForZeroOptions(t *testing.T) {
	t.Parallel()
	s := New("acct-1", failingDial(errors.New("unused")), provider.ConnectionParams{}, func() {}, logging.NewNop(), Options{})

	assert.Equal(t, 25*time.Minute, s.RefreshInterval)
	assert.Equal(t, 5*time.Second, s.BackoffWait)
	assert.Equal(t, 5, s.MaxReconnects)
	assert.Equal(t, StateIdle, s.State())
}

func TestNewHonorsExplicitOptions(t *testing.T) {
	t.Parallel()
	s := New("acct-1", failingDial(errors.New("unused")), provider.ConnectionParams{}, func() {}, logging.NewNop(), Options{
		RefreshInterval: time.Minute, BackoffWait: time.Millisecond, MaxReconnects: 2,
	})

	assert.Equal(t, time.Minute, s.RefreshInterval)
	assert.Equal(t, time.Millisecond, s.BackoffWait)
	assert.Equal(t, 2, s.MaxReconnects)
}

func TestRunStopsCleanlyWhenContextAlreadyCancelled(t *testing.T) {
	t.Parallel()
	s := New("acct-1", failingDial(errors.New("dial failed")), provider.ConnectionParams{}, func() {}, logging.NewNop(), Options{
		BackoffWait: time.Millisecond, MaxReconnects: 50,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, s.State())
}

func TestRunGoesDeadAfterMaxReconnects(t *testing.T) {
	t.Parallel()
	dialErr := errors.New("connection refused")
	s := New("acct-1", failingDial(dialErr), provider.ConnectionParams{}, func() {}, logging.NewNop(), Options{
		BackoffWait: time.Millisecond, MaxReconnects: 3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, StateDead, s.State())
}
