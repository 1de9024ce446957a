// Package cipher encrypts wallet addresses for storage at rest and derives
// the deterministic wallet ids used to key the store.
package cipher

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of the master key in bytes.
	KeySize = 32

	version = "v1:"
)

var associatedData = []byte("walletsync/address/v1")

// ErrDecryption is returned for malformed or tampered ciphertext.
var ErrDecryption = errors.New("cipher: malformed or tampered ciphertext")

// AddressCipher encrypts and decrypts public wallet addresses.
type AddressCipher interface {
	Encrypt(plainAddress string) (string, error)
	Decrypt(cipherText string) (string, error)
}

// Indexer derives a stable, non-reversible id for a canonical address.
type Indexer interface {
	Fingerprint(canonicalAddress string) string
}

// Cipher implements AddressCipher with XChaCha20-Poly1305 and Indexer with
// HMAC-SHA256. Both sub-keys are derived from one master key.
type Cipher struct {
	aead     aeadCipher
	indexKey []byte
}

type aeadCipher interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// New builds a Cipher from a 32-byte master key.
func New(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("invalid master key length: must be %d bytes, got %d", KeySize, len(masterKey))
	}

	encKey, err := deriveKey(masterKey, "address-encryption")
	if err != nil {
		return nil, err
	}
	indexKey, err := deriveKey(masterKey, "address-index")
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	return &Cipher{aead: aead, indexKey: indexKey}, nil
}

// ParseMasterKey decodes a base64 (standard or URL alphabet) 32-byte key.
func ParseMasterKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("master key is empty")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			if len(key) != KeySize {
				return nil, fmt.Errorf("invalid master key length: must be %d bytes, got %d", KeySize, len(key))
			}
			return key, nil
		}
	}
	return nil, fmt.Errorf("master key is not valid base64")
}

// KeyFromPassphrase stretches a passphrase into a master key with Argon2id.
func KeyFromPassphrase(passphrase, salt string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is empty")
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("salt must be at least 8 bytes")
	}
	return argon2.IDKey([]byte(passphrase), []byte(salt), 1, 64*1024, 4, KeySize), nil
}

// GenerateMasterKey returns a fresh random key, base64 encoded.
func GenerateMasterKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func deriveKey(master []byte, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
	}
	return out, nil
}

// Encrypt seals the address under a random nonce.
// Output format: "v1:" + base64url(nonce || ciphertext).
func (c *Cipher) Encrypt(plainAddress string) (string, error) {
	if plainAddress == "" {
		return "", fmt.Errorf("address cannot be empty")
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plainAddress)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plainAddress), associatedData)
	return version + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Every failure wraps
// ErrDecryption.
func (c *Cipher) Decrypt(cipherText string) (string, error) {
	if !strings.HasPrefix(cipherText, version) {
		return "", fmt.Errorf("%w: unknown format", ErrDecryption)
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(cipherText, version))
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding", ErrDecryption)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := c.aead.Open(nil, nonce, sealed, associatedData)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	if len(plain) == 0 {
		return "", fmt.Errorf("%w: empty plaintext", ErrDecryption)
	}
	return string(plain), nil
}

// Fingerprint returns the hex HMAC of the canonical address.
func (c *Cipher) Fingerprint(canonicalAddress string) string {
	mac := hmac.New(sha256.New, c.indexKey)
	mac.Write([]byte(canonicalAddress))
	return hex.EncodeToString(mac.Sum(nil))
}
