// Package credential hands out signing keys for the duration of a single
// callback. Keys are loaded on every Acquire, checked against the requested
// owner and wiped once the callback returns; nothing is cached.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sol "github.com/gagliardetto/solana-go"
)

var (
	// ErrNotFound means no key is configured for the requested owner.
	ErrNotFound = errors.New("credential: key not found")
	// ErrMismatch means the stored key does not control the requested owner.
	ErrMismatch = errors.New("credential: key does not match owner")
)

// Provider grants scoped access to the private key controlling owner.
type Provider interface {
	Acquire(ctx context.Context, owner sol.PublicKey, fn func(sol.PrivateKey) error) error
}

// KeyFileProvider reads solana-keygen JSON files named <owner>.json from Dir.
type KeyFileProvider struct {
	Dir string
}

// NewKeyFileProvider returns a provider rooted at dir.
func NewKeyFileProvider(dir string) *KeyFileProvider {
	return &KeyFileProvider{Dir: dir}
}

// Acquire implements Provider.
func (p *KeyFileProvider) Acquire(ctx context.Context, owner sol.PublicKey, fn func(sol.PrivateKey) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(p.Dir, owner.String()+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, owner)
		}
		return fmt.Errorf("credential: read key file: %w", err)
	}
	defer wipe(raw)

	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return fmt.Errorf("credential: decode key file for %s: %w", owner, err)
	}
	key := make(sol.PrivateKey, len(ints))
	for i, v := range ints {
		key[i] = byte(v)
		ints[i] = 0
	}
	return use(key, owner, fn)
}

// EnvProvider reads base58 private keys from <Prefix><owner> variables.
type EnvProvider struct {
	Prefix string
}

// NewEnvProvider returns a provider reading variables with prefix.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{Prefix: prefix}
}

// Acquire implements Provider.
func (p *EnvProvider) Acquire(ctx context.Context, owner sol.PublicKey, fn func(sol.PrivateKey) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded := strings.TrimSpace(os.Getenv(p.Prefix + owner.String()))
	if encoded == "" {
		return fmt.Errorf("%w: %s", ErrNotFound, owner)
	}
	key, err := sol.PrivateKeyFromBase58(encoded)
	if err != nil {
		return fmt.Errorf("credential: decode key for %s: %w", owner, err)
	}
	return use(key, owner, fn)
}

// New builds the provider selected by driver.
func New(driver, keyDir, envPrefix string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "keyfile":
		return NewKeyFileProvider(keyDir), nil
	case "env":
		return NewEnvProvider(envPrefix), nil
	default:
		return nil, fmt.Errorf("credential: unsupported driver %q", driver)
	}
}

func use(key sol.PrivateKey, owner sol.PublicKey, fn func(sol.PrivateKey) error) error {
	defer wipe(key)
	if len(key) != 64 {
		return fmt.Errorf("credential: key for %s has %d bytes", owner, len(key))
	}
	if !key.PublicKey().Equals(owner) {
		return fmt.Errorf("%w: %s", ErrMismatch, owner)
	}
	return fn(key)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
