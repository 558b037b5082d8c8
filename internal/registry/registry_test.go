package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterFirstAccountBecomesActive(t *testing.T) {
	t.Parallel()
	r := New()

	became := r.Register("user-1")
	assert.True(t, became)
	assert.True(t, r.IsActive("user-1"))
}

func TestRegisterSecondAccountDoesNotReannounce(t *testing.T) {
	t.Parallel()
	r := New()

	r.Register("user-1")
	became := r.Register("user-1")
	assert.False(t, became, "a second account for an already-active user isn't a new activation")
}

func TestUnregisterLastAccountBecomesInactive(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register("user-1")

	became := r.Unregister("user-1")
	assert.True(t, became)
	assert.False(t, r.IsActive("user-1"))
}

func TestUnregisterWithRemainingAccountsStaysActive(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register("user-1")
	r.Register("user-1")

	became := r.Unregister("user-1")
	assert.False(t, became)
	assert.True(t, r.IsActive("user-1"))
}

func TestUnregisterUnknownUserIsNoop(t *testing.T) {
	t.Parallel()
	r := New()
	assert.False(t, r.Unregister("ghost"))
}

func TestListActive(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register("a")
	r.Register("b")
	r.Unregister("b")

	active := r.ListActive()
	assert.ElementsMatch(t, []string{"a"}, active)
}
