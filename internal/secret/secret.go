// Package secret seals account tokens at rest with AES-256-GCM.
//
// Sealed values carry the key version that produced them ("ENC[v2]:..."), so
// several keys can be configured at once and old values re-sealed under the
// newest key.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	prefixStart = "ENC[v"
	prefixFmt   = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("secret: key must be 32 bytes")
	ErrNoKeys            = errors.New("secret: no keys configured")
	ErrUnknownVersion    = errors.New("secret: key version not configured")
	ErrInvalidCiphertext = errors.New("secret: invalid sealed value")
	ErrDecryptionFailed  = errors.New("secret: decryption failed")
)

// cipherKey is one AES-GCM key at a fixed version.
type cipherKey struct {
	version int
	aead    cipher.AEAD
}

func newCipherKey(key []byte, version int) (*cipherKey, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &cipherKey{version: version, aead: aead}, nil
}

func (k *cipherKey) seal(plaintext string) (string, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := k.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(prefixFmt, k.version) + base64.StdEncoding.EncodeToString(out), nil
}

func (k *cipherKey) open(sealed string) (string, error) {
	idx := strings.Index(sealed, "]:")
	if idx < 0 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(sealed[idx+2:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	ns := k.aead.NonceSize()
	if len(data) < ns {
		return "", ErrInvalidCiphertext
	}
	plain, err := k.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Keyring seals with its newest key and opens values sealed by any
// configured version. It is safe for concurrent use once built.
type Keyring struct {
	current int
	keys    map[int]*cipherKey
}

// NewKeyring builds a keyring from base64-encoded keys indexed by version.
// The highest version becomes the sealing key.
func NewKeyring(encoded map[int]string) (*Keyring, error) {
	kr := &Keyring{keys: make(map[int]*cipherKey)}
	for version, b64 := range encoded {
		if b64 == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode key v%d: %w", version, err)
		}
		k, err := newCipherKey(raw, version)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", version, err)
		}
		kr.keys[version] = k
		if version > kr.current {
			kr.current = version
		}
	}
	if len(kr.keys) == 0 {
		return nil, ErrNoKeys
	}
	return kr, nil
}

// Seal encrypts plaintext under the current key.
func (kr *Keyring) Seal(plaintext string) (string, error) {
	return kr.keys[kr.current].seal(plaintext)
}

// Open decrypts a value produced by Seal with any configured key version.
func (kr *Keyring) Open(sealed string) (string, error) {
	version := Version(sealed)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	k, ok := kr.keys[version]
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrUnknownVersion, version)
	}
	return k.open(sealed)
}

// Reseal re-encrypts a sealed value under the current key. Values already
// at the current version are returned unchanged.
func (kr *Keyring) Reseal(sealed string) (string, error) {
	if Version(sealed) == kr.current {
		return sealed, nil
	}
	plain, err := kr.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("open for reseal: %w", err)
	}
	return kr.Seal(plain)
}

// CurrentVersion is the key version used by Seal.
func (kr *Keyring) CurrentVersion() int {
	return kr.current
}

// Version extracts the key version from a sealed value, or 0 if the value
// is not sealed.
func Version(sealed string) int {
	if !strings.HasPrefix(sealed, prefixStart) {
		return 0
	}
	var v int
	if _, err := fmt.Sscanf(sealed, prefixFmt, &v); err != nil {
		return 0
	}
	return v
}

// GenerateKey returns a random base64-encoded AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
