package middleware

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrSessionDecrypt is matched (errors.Is) by every failure to open a
	// session cookie value.
	ErrSessionDecrypt = errors.New("session decrypt failed")
	ErrCodecConfig    = errors.New("invalid session codec configuration")
)

// maxSealedLen bounds the attacker-controlled input Decrypt will decode.
const maxSealedLen = 8192

// SessionKeySize is the key size of both supported AEADs.
const SessionKeySize = 32

// hkdfInfo separates session keys from any other use of the same secret.
const hkdfInfo = "tripalbum session cookie v1"

// KDF selects how the operator secret becomes the AEAD key.
type KDF string

const (
	// KDFPad pads the secret with '0' bytes to 32 bytes and truncates longer
	// secrets. The key is the one earlier deployments derived, but the sealed
	// format differs, so their cookies do not decrypt.
	KDFPad KDF = "pad"
	// KDFHKDF derives the key with HKDF-SHA256.
	KDFHKDF KDF = "hkdf"
)

// Cipher selects the AEAD.
type Cipher string

const (
	CipherAESGCM           Cipher = "aes-gcm"
	CipherChaCha20Poly1305 Cipher = "chacha20poly1305"
)

// DecryptError describes why a sealed value was rejected. It always matches
// ErrSessionDecrypt.
type DecryptError struct {
	Reason string
	Err    error
}

func (e *DecryptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrSessionDecrypt, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrSessionDecrypt, e.Reason)
}

func (e *DecryptError) Unwrap() error { return e.Err }

func (e *DecryptError) Is(target error) bool { return target == ErrSessionDecrypt }

// DeriveKey turns secret into a 32-byte key using kdf.
func DeriveKey(secret string, kdf KDF) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrCodecConfig)
	}
	switch kdf {
	case KDFPad, "":
		key := make([]byte, SessionKeySize)
		for i := range key {
			key[i] = '0'
		}
		copy(key, secret)
		return key, nil
	case KDFHKDF:
		key := make([]byte, SessionKeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
			return nil, err
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: unknown kdf %q", ErrCodecConfig, kdf)
}

func newAEAD(c Cipher, key []byte) (cipher.AEAD, error) {
	switch c {
	case CipherAESGCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	}
	return nil, fmt.Errorf("%w: unknown cipher %q", ErrCodecConfig, c)
}

// SessionCodec seals values for storage in a client-held cookie.
//
// Format: base64url(nonce || AEAD.Seal(plaintext)), where plaintext is the
// core deterministic CBOR encoding of the value and nonce is 12 fresh random
// bytes per call.
type SessionCodec struct {
	aead cipher.AEAD
	enc  cbor.EncMode
	dec  cbor.DecMode
}

type codecConfig struct {
	kdf    KDF
	cipher Cipher
}

// CodecOption configures a SessionCodec.
type CodecOption func(*codecConfig)

// WithKDF selects the key derivation. Default KDFPad.
func WithKDF(k KDF) CodecOption {
	return func(c *codecConfig) { c.kdf = k }
}

// WithCipher selects the AEAD. Default CipherAESGCM.
func WithCipher(ci Cipher) CodecOption {
	return func(c *codecConfig) { c.cipher = ci }
}

// NewSessionCodec builds a codec keyed from secret.
func NewSessionCodec(secret string, opts ...CodecOption) (*SessionCodec, error) {
	cfg := codecConfig{kdf: KDFPad, cipher: CipherAESGCM}
	for _, opt := range opts {
		opt(&cfg)
	}
	key, err := DeriveKey(secret, cfg.kdf)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(cfg.cipher, key)
	if err != nil {
		return nil, err
	}

	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &SessionCodec{aead: aead, enc: enc, dec: dec}, nil
}

// Encrypt serializes and seals v.
func (c *SessionCodec) Encrypt(v any) (string, error) {
	if c == nil || c.aead == nil {
		return "", ErrCodecConfig
	}
	plain, err := c.enc.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens value into v. Every failure is a *DecryptError.
func (c *SessionCodec) Decrypt(value string, v any) error {
	if c == nil || c.aead == nil {
		return ErrCodecConfig
	}
	if value == "" || len(value) > maxSealedLen {
		return &DecryptError{Reason: "bad length"}
	}
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return &DecryptError{Reason: "bad encoding", Err: err}
	}
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return &DecryptError{Reason: "truncated"}
	}
	plain, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return &DecryptError{Reason: "authentication failed"}
	}
	if err := c.dec.Unmarshal(plain, v); err != nil {
		return &DecryptError{Reason: "bad payload", Err: err}
	}
	return nil
}

// EncryptSession seals s with a default codec keyed from secret.
func EncryptSession(s Session, secret string) (string, error) {
	c, err := NewSessionCodec(secret)
	if err != nil {
		return "", err
	}
	return c.Encrypt(s)
}

// DecryptSession opens a value produced by EncryptSession.
func DecryptSession(value, secret string) (Session, error) {
	c, err := NewSessionCodec(secret)
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := c.Decrypt(value, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}
