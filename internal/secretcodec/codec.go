package secretcodec

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	BlobVersion = 1
	AlgX25519   = "x25519-hkdf-sha256-xchacha20poly1305"

	hkdfInfo = "seedvault/secretcodec/v1"
	macSize  = chacha20poly1305.Overhead
)

var (
	ErrDecryption    = errors.New("secret decryption failed")
	ErrInvalidKey    = errors.New("invalid x25519 key")
	ErrMalformedBlob = errors.New("malformed encrypted blob")
)

// EncryptedBlob is a payload sealed to one X25519 recipient. The tag is kept
// apart from the ciphertext so a truncated blob is detectable before AEAD open.
type EncryptedBlob struct {
	Version    uint32 `json:"version"`
	Alg        string `json:"alg"`
	EPK        []byte `json:"epk"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	MAC        []byte `json:"mac"`
}

// Codec wraps payloads to X25519 recipients. The zero value reads
// randomness from crypto/rand.
type Codec struct {
	Rand io.Reader
}

func New() *Codec {
	return &Codec{}
}

func (c *Codec) random() io.Reader {
	if c == nil || c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

func (c *Codec) Wrap(recipientPub, plaintext []byte) (*EncryptedBlob, error) {
	if len(recipientPub) != curve25519.PointSize {
		return nil, ErrInvalidKey
	}
	ephemeralPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(c.random(), ephemeralPriv); err != nil {
		return nil, fmt.Errorf("read ephemeral key: %w", err)
	}
	defer zeroBytes(ephemeralPriv)

	ephemeralPub, err := curve25519.X25519(ephemeralPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephemeralPriv, recipientPub)
	if err != nil {
		return nil, ErrInvalidKey
	}
	defer zeroBytes(shared)

	key, err := deriveKey(shared, ephemeralPub, recipientPub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(c.random(), nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, associatedData(ephemeralPub, recipientPub))
	split := len(sealed) - macSize
	return &EncryptedBlob{
		Version:    BlobVersion,
		Alg:        AlgX25519,
		EPK:        ephemeralPub,
		IV:         nonce,
		Ciphertext: append([]byte{}, sealed[:split]...),
		MAC:        append([]byte{}, sealed[split:]...),
	}, nil
}

func (c *Codec) Unwrap(recipientPriv []byte, blob *EncryptedBlob) ([]byte, error) {
	if len(recipientPriv) != curve25519.ScalarSize {
		return nil, ErrInvalidKey
	}
	if err := blob.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	recipientPub, err := curve25519.X25519(recipientPriv, curve25519.Basepoint)
	if err != nil {
		return nil, ErrInvalidKey
	}
	shared, err := curve25519.X25519(recipientPriv, blob.EPK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	defer zeroBytes(shared)

	key, err := deriveKey(shared, blob.EPK, recipientPub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(blob.Ciphertext)+len(blob.MAC))
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.MAC...)
	plaintext, err := aead.Open(nil, blob.IV, sealed, associatedData(blob.EPK, recipientPub))
	if err != nil {
		return nil, ErrDecryption
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// Validate checks the blob shape without any key material.
func (b *EncryptedBlob) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil blob", ErrMalformedBlob)
	}
	if b.Version != BlobVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedBlob, b.Version)
	}
	if b.Alg != AlgX25519 {
		return fmt.Errorf("%w: unsupported alg %q", ErrMalformedBlob, b.Alg)
	}
	switch {
	case len(b.EPK) != curve25519.PointSize:
		return fmt.Errorf("%w: epk", ErrMalformedBlob)
	case len(b.IV) != chacha20poly1305.NonceSizeX:
		return fmt.Errorf("%w: iv", ErrMalformedBlob)
	case len(b.MAC) != macSize:
		return fmt.Errorf("%w: mac", ErrMalformedBlob)
	case b.Ciphertext == nil:
		return fmt.Errorf("%w: ciphertext", ErrMalformedBlob)
	}
	return nil
}

// PublicKey returns the X25519 public key for a private scalar.
func PublicKey(priv []byte) ([]byte, error) {
	if len(priv) != curve25519.ScalarSize {
		return nil, ErrInvalidKey
	}
	return curve25519.X25519(priv, curve25519.Basepoint)
}

func deriveKey(shared, ephemeralPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPub)+len(recipientPub))
	salt = append(salt, ephemeralPub...)
	salt = append(salt, recipientPub...)
	reader := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func associatedData(ephemeralPub, recipientPub []byte) []byte {
	ad := make([]byte, 0, len(hkdfInfo)+len(ephemeralPub)+len(recipientPub))
	ad = append(ad, hkdfInfo...)
	ad = append(ad, ephemeralPub...)
	ad = append(ad, recipientPub...)
	return ad
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
