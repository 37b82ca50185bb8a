package perrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(NotFound, errors.New("no such pool"))
	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, Invalid))
}

func TestMaxIsMostRestrictive(t *testing.T) {
	assert.Equal(t, NoRequests, Max(Full, NoRequests))
	assert.Equal(t, NoPoolChanges, Max(Full, NoPoolChanges))
	assert.Equal(t, Full, Max(Full, Full))
}

func TestRollbackErrorCarriesTriple(t *testing.T) {
	causal := errors.New("bind failed on device 2")
	err := RollbackError(causal, RollbackSucceeded, NoPoolChanges)
	require.Equal(t, RollbackErr, err.Kind)
	assert.Equal(t, NoPoolChanges, err.Level)
	assert.Equal(t, RollbackSucceeded, err.RollbackOutcome)
	assert.ErrorIs(t, err.Unwrap(), causal)
}

func TestActionDisabledCarriesLevel(t *testing.T) {
	err := ActionDisabledError(NoRequests)
	assert.Equal(t, NoRequests, err.Level)
	assert.True(t, Is(err, ActionDisabled))
}
