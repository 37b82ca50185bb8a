package localkeyring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Lookup("missing")
	assert.Error(t, err)
}

func TestRegisterPassphraseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.RegisterPassphrase("desc-1", []byte("swordfish")))

	got, err := s.Lookup("desc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("swordfish"), got)

	reopened, err := Open(dir)
	require.NoError(t, err)
	got, err = reopened.Lookup("desc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("swordfish"), got)
}

func TestEscrowRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	assert.False(t, s.Reachable("pin-1", []byte("cfg")))

	require.NoError(t, s.RegisterEscrow("pin-1", []byte("cfg"), []byte("key-material")))

	assert.True(t, s.Reachable("pin-1", []byte("cfg")))
	got, err := s.Unlock("pin-1", []byte("cfg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("key-material"), got)

	_, err = s.Unlock("pin-1", []byte("other-cfg"))
	assert.Error(t, err)
}
