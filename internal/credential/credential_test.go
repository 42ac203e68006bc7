package credential

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	sol "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeyFile(t *testing.T, dir string, key sol.PrivateKey) {
	t.Helper()
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	raw, err := json.Marshal(ints)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, key.PublicKey().String()+".json"), raw, 0o600))
}

func TestKeyFileProviderScopesKey(t *testing.T) {
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	dir := t.TempDir()
	writeKeyFile(t, dir, key)

	provider := NewKeyFileProvider(dir)
	var seen sol.PrivateKey
	err = provider.Acquire(context.Background(), key.PublicKey(), func(k sol.PrivateKey) error {
		assert.True(t, k.PublicKey().Equals(key.PublicKey()))
		seen = k
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 64)
	for _, b := range seen {
		require.Zero(t, b, "key bytes must be wiped after the callback")
	}
}

func TestKeyFileProviderErrors(t *testing.T) {
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	other, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	dir := t.TempDir()
	writeKeyFile(t, dir, key)
	provider := NewKeyFileProvider(dir)

	called := false
	fn := func(sol.PrivateKey) error { called = true; return nil }

	err = provider.Acquire(context.Background(), other.PublicKey(), fn)
	assert.True(t, errors.Is(err, ErrNotFound))

	// a file stored under the wrong name must not be used for that owner
	require.NoError(t, os.Rename(
		filepath.Join(dir, key.PublicKey().String()+".json"),
		filepath.Join(dir, other.PublicKey().String()+".json"),
	))
	err = provider.Acquire(context.Background(), other.PublicKey(), fn)
	assert.True(t, errors.Is(err, ErrMismatch))
	assert.False(t, called)
}

func TestEnvProvider(t *testing.T) {
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	t.Setenv("SWEEP_TEST_KEY_"+key.PublicKey().String(), key.String())

	provider, err := New("env", "", "SWEEP_TEST_KEY_")
	require.NoError(t, err)

	sentinel := errors.New("callback failed")
	err = provider.Acquire(context.Background(), key.PublicKey(), func(k sol.PrivateKey) error {
		assert.True(t, k.PublicKey().Equals(key.PublicKey()))
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New("vault", "", "")
	require.Error(t, err)
}
