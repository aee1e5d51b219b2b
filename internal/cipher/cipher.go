package cipher

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// Variant selects the sealing construction bound to a session key.
type Variant string

const (
	// VariantLegacy is NaCl secretbox: nonce(24) || box.
	VariantLegacy Variant = "legacy"
	// VariantDataKey is version(1)=0 || nonce(24) || XChaCha20-Poly1305 ciphertext.
	VariantDataKey Variant = "dataKey"
)

const (
	KeySize          = 32
	secretboxNonce   = 24
	dataKeyVersion   = byte(0)
	dataKeyHeaderLen = 1 + chacha20poly1305.NonceSizeX
)

var (
	ErrInvalidKey     = errors.New("cipher: invalid key")
	ErrUnknownVariant = errors.New("cipher: unknown variant")
	ErrShortPayload   = errors.New("cipher: payload too short")
	ErrBadVersion     = errors.New("cipher: unsupported payload version")
	ErrAuthFailed     = errors.New("cipher: authentication failed")
)

// Material is the immutable key + variant pair bound to one session.
type Material struct {
	Key     []byte  `json:"key" cbor:"1,keyasint"`
	Variant Variant `json:"variant" cbor:"2,keyasint"`
}

// Validate checks key length and variant.
func (m Material) Validate() error {
	if len(m.Key) != KeySize {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(m.Key))
	}
	switch m.Variant {
	case VariantLegacy, VariantDataKey:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownVariant, m.Variant)
	}
}

// Equal reports whether two materials carry the same key and variant.
func (m Material) Equal(other Material) bool {
	if m.Variant != other.Variant || len(m.Key) != len(other.Key) {
		return false
	}
	for i := range m.Key {
		if m.Key[i] != other.Key[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that does not share the key slice.
func (m Material) Clone() Material {
	key := make([]byte, len(m.Key))
	copy(key, m.Key)
	return Material{Key: key, Variant: m.Variant}
}

// ParseVariant normalizes a configured variant name.
func ParseVariant(raw string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "datakey", "data_key", "data-key":
		return VariantDataKey, nil
	case "legacy", "secretbox":
		return VariantLegacy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, raw)
	}
}

// NewMaterial mints a fresh random key for the given variant.
func NewMaterial(variant Variant) (Material, error) {
	return newMaterial(rand.Reader, variant)
}

func newMaterial(r io.Reader, variant Variant) (Material, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return Material{}, err
	}
	m := Material{Key: key, Variant: variant}
	if err := m.Validate(); err != nil {
		return Material{}, err
	}
	return m, nil
}

// DecryptError wraps every failure on the open path.
type DecryptError struct {
	Variant Variant
	Err     error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("cipher: decrypt variant=%s: %v", e.Variant, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// Adapter seals and opens opaque payloads with session material.
type Adapter interface {
	Seal(m Material, plaintext []byte) ([]byte, error)
	Open(m Material, ciphertext []byte) ([]byte, error)
}

// Box is the default Adapter backed by x/crypto primitives.
type Box struct {
	Rand io.Reader
}

var _ Adapter = Box{}

func (b Box) random() io.Reader {
	if b.Rand != nil {
		return b.Rand
	}
	return rand.Reader
}

func (b Box) Seal(m Material, plaintext []byte) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	switch m.Variant {
	case VariantLegacy:
		var key [KeySize]byte
		var nonce [secretboxNonce]byte
		copy(key[:], m.Key)
		if _, err := io.ReadFull(b.random(), nonce[:]); err != nil {
			return nil, err
		}
		return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
	default:
		aead, err := chacha20poly1305.NewX(m.Key)
		if err != nil {
			return nil, err
		}
		out := make([]byte, dataKeyHeaderLen, dataKeyHeaderLen+len(plaintext)+aead.Overhead())
		out[0] = dataKeyVersion
		if _, err := io.ReadFull(b.random(), out[1:dataKeyHeaderLen]); err != nil {
			return nil, err
		}
		return aead.Seal(out, out[1:dataKeyHeaderLen], plaintext, nil), nil
	}
}

func (b Box) Open(m Material, ciphertext []byte) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, &DecryptError{Variant: m.Variant, Err: err}
	}
	switch m.Variant {
	case VariantLegacy:
		if len(ciphertext) < secretboxNonce+secretbox.Overhead {
			return nil, &DecryptError{Variant: m.Variant, Err: ErrShortPayload}
		}
		var key [KeySize]byte
		var nonce [secretboxNonce]byte
		copy(key[:], m.Key)
		copy(nonce[:], ciphertext[:secretboxNonce])
		plain, ok := secretbox.Open(nil, ciphertext[secretboxNonce:], &nonce, &key)
		if !ok {
			return nil, &DecryptError{Variant: m.Variant, Err: ErrAuthFailed}
		}
		return plain, nil
	default:
		aead, err := chacha20poly1305.NewX(m.Key)
		if err != nil {
			return nil, &DecryptError{Variant: m.Variant, Err: err}
		}
		if len(ciphertext) < dataKeyHeaderLen+aead.Overhead() {
			return nil, &DecryptError{Variant: m.Variant, Err: ErrShortPayload}
		}
		if ciphertext[0] != dataKeyVersion {
			return nil, &DecryptError{Variant: m.Variant, Err: fmt.Errorf("%w: %d", ErrBadVersion, ciphertext[0])}
		}
		plain, err := aead.Open(nil, ciphertext[1:dataKeyHeaderLen], ciphertext[dataKeyHeaderLen:], nil)
		if err != nil {
			return nil, &DecryptError{Variant: m.Variant, Err: ErrAuthFailed}
		}
		return plain, nil
	}
}

// SealJSON marshals v and returns the sealed payload as standard base64.
func SealJSON(a Adapter, m Material, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sealed, err := a.Seal(m, raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenBase64 decodes a base64 payload and opens it.
func OpenBase64(a Adapter, m Material, encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, &DecryptError{Variant: m.Variant, Err: fmt.Errorf("base64: %w", err)}
	}
	return a.Open(m, sealed)
}

// EncodeKey renders key bytes for transport in JSON bodies and env values.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}
