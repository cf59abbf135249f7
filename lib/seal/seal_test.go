package seal

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSealer(t *testing.T) *Sealer {
	k, err := GenerateKey()
	require.NoError(t, err)
	s, err := New(k)
	require.NoError(t, err)
	return s
}

func TestSealOpen(t *testing.T) {
	t.Parallel()
	s := newSealer(t)

	sealed, err := s.Seal("auction-1", "alice", []byte("42"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "42")

	v, err := s.Open("auction-1", "alice", sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), v)

	// Bound to scope and participant.
	_, err = s.Open("auction-2", "alice", sealed)
	assert.ErrorIs(t, err, ErrOpen)
	_, err = s.Open("auction-1", "bob", sealed)
	assert.ErrorIs(t, err, ErrOpen)
	_, err = s.Open("auction-1", "alice", sealed[:4])
	assert.ErrorIs(t, err, ErrOpen)

	// Another master key cannot open it.
	_, err = newSealer(t).Open("auction-1", "alice", sealed)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestSealedNeverPrints(t *testing.T) {
	t.Parallel()
	s := newSealer(t)
	sealed, err := s.Seal("a", "p", []byte("secret"))
	require.NoError(t, err)

	assert.Equal(t, "<sealed>", fmt.Sprintf("%s", sealed))
	assert.Equal(t, "<sealed>", fmt.Sprintf("%v", sealed))
	assert.Equal(t, "<sealed>", fmt.Sprintf("%#v", sealed))
	assert.Equal(t, "<sealed>", fmt.Sprintf("%x", sealed))
	assert.Equal(t, "{V:<sealed>}", fmt.Sprintf("%+v", struct{ V Sealed }{sealed}))
	b, err := json.Marshal(struct{ V Sealed }{sealed})
	require.NoError(t, err)
	assert.Equal(t, `{"V":"<sealed>"}`, string(b))
}

func TestNew(t *testing.T) {
	t.Parallel()
	_, err := New([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = NewFromHex("zz")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = NewFromHex("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	assert.NoError(t, err)
}

func TestLoadOrCreateKey(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "keys", "seal.key")
	k1, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	require.Len(t, k1, KeySize)

	k2, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}
