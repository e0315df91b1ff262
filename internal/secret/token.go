// Package secret loads the feed credential and keeps it sealed in memory.
//
// The token is stored base64-encoded and KMS-encrypted in configuration. It
// is decrypted once at startup, sealed into a memguard enclave, and only
// opened for the duration of a handshake.
package secret

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/awnumar/memguard"
)

var (
	ErrEmptyToken     = errors.New("secret: empty token")
	ErrTokenDestroyed = errors.New("secret: token destroyed")
)

// Decrypter turns a ciphertext blob into plaintext. *KMS satisfies it.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Token is a bearer credential held in an encrypted enclave.
type Token struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
}

// LoadToken decodes b64, decrypts it with d and seals the plaintext. The
// plaintext buffer returned by d is wiped.
func LoadToken(ctx context.Context, d Decrypter, b64 string) (*Token, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("secret: decode ciphertext: %w", err)
	}
	plain, err := d.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, err
	}
	if len(plain) == 0 {
		return nil, ErrEmptyToken
	}
	// NewEnclave wipes plain.
	return &Token{enclave: memguard.NewEnclave(plain)}, nil
}

// Header opens the enclave and returns an Authorization header. The header
// value is an ordinary string and should not be retained.
func (t *Token) Header() (http.Header, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.enclave == nil {
		return nil, ErrTokenDestroyed
	}
	buf, err := t.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("secret: open enclave: %w", err)
	}
	defer buf.Destroy()

	h := make(http.Header)
	h.Set("Authorization", "Bearer "+buf.String())
	return h, nil
}

// Destroy drops the enclave. Header fails afterwards.
func (t *Token) Destroy() {
	t.mu.Lock()
	t.enclave = nil
	t.mu.Unlock()
}
