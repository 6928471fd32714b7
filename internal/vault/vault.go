// Package vault encrypts and decrypts provider credentials at rest.
//
// Ciphertexts use AES-256-CBC with PKCS#7 padding and a fresh random IV, and
// are encoded as hex(iv) + ":" + hex(ciphertext). The AES key is derived from
// a master secret: SHA-256, base64-encoded, first 32 bytes. The derivation
// runs on every secret, whatever its length, so operators can supply
// passphrases of any size.
package vault

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const keySize = 32

// ErrRotationUnsupported is returned by Rotate.
var ErrRotationUnsupported = errors.New("vault: key rotation is not implemented")

// DecryptionError reports a ciphertext that could not be opened. It never
// carries plaintext or key material.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vault: decrypt: %s: %v", e.Reason, e.Err)
	}
	return "vault: decrypt: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Vault seals and opens credentials with a key loaded once from its source.
type Vault struct {
	src SecretSource

	mu    sync.Mutex
	block cipher.Block
}

// New returns a Vault whose key is resolved lazily from src on first use.
func New(src SecretSource) *Vault {
	return &Vault{src: src}
}

// DeriveKey turns a master secret into 32 bytes of AES key material.
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	enc := base64.StdEncoding.EncodeToString(sum[:])
	return []byte(enc[:keySize])
}

// cipherBlock returns the cached block cipher, loading the secret on first
// success. Failed loads are not cached.
func (v *Vault) cipherBlock(ctx context.Context) (cipher.Block, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.block != nil {
		return v.block, nil
	}

	secret, err := v.src.MasterSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: load master secret: %w", err)
	}

	block, err := aes.NewCipher(DeriveKey(secret))
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	v.block = block
	return block, nil
}

// Encrypt seals plaintext under a new random IV.
func (v *Vault) Encrypt(ctx context.Context, plaintext string) (string, error) {
	block, err := v.cipherBlock(ctx)
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("vault: generate iv: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt. Malformed or tampered input
// yields *DecryptionError.
func (v *Vault) Decrypt(ctx context.Context, sealed string) (string, error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 2 {
		return "", &DecryptionError{Reason: fmt.Sprintf("expected 2 segments, got %d", len(parts))}
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", &DecryptionError{Reason: "iv is not hex", Err: err}
	}
	if len(iv) != aes.BlockSize {
		return "", &DecryptionError{Reason: fmt.Sprintf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))}
	}

	ct, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", &DecryptionError{Reason: "ciphertext is not hex", Err: err}
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", &DecryptionError{Reason: "ciphertext is not a whole number of blocks"}
	}

	block, err := v.cipherBlock(ctx)
	if err != nil {
		return "", err
	}

	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", &DecryptionError{Reason: "bad padding", Err: err}
	}
	return string(plain), nil
}

// Rotate would re-encrypt all stored ciphertexts under newSecret.
func (v *Vault) Rotate(context.Context, string) error {
	return ErrRotationUnsupported
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

var errPadding = errors.New("invalid pkcs7 padding")

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, errPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errPadding
		}
	}
	return b[:len(b)-n], nil
}
