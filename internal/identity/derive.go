package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning    = "seedvault/identity/signing/v1"
	hkdfInfoEncryption = "seedvault/identity/encryption/v1"

	hkdfInfoAuthSigning    = "seedvault/authenticator/signing/v1"
	hkdfInfoAuthEncryption = "seedvault/authenticator/encryption/v1"
	authSaltDomain         = "seedvault/authenticator/salt/v1"

	RootSeedSize = 32
)

var (
	ErrIdentityInit    = errors.New("identity initialization failed")
	ErrSecretRequired  = errors.New("authenticator secret is required")
	ErrAuthenticatorID = errors.New("authenticator id is required")
	ErrInvalidRootSeed = errors.New("invalid root seed")
)

// DeriveKeys expands an identity root seed into its signing and encryption keys.
func DeriveKeys(seedBytes []byte) (*DerivedKeys, error) {
	if len(seedBytes) == 0 {
		return nil, ErrInvalidRootSeed
	}
	return deriveKeyPairs(seedBytes, hkdfInfoSigning, hkdfInfoEncryption)
}

// DeriveAuthenticatorKeys stretches an authenticator secret with Argon2id and
// expands it. The salt is bound to the authenticator id, so the same
// (id, secret) pair always yields the same keys.
func DeriveAuthenticatorKeys(authenticatorID string, secret []byte, params KDFParams) (*DerivedKeys, error) {
	if strings.TrimSpace(authenticatorID) == "" {
		return nil, ErrAuthenticatorID
	}
	if len(secret) == 0 {
		return nil, ErrSecretRequired
	}
	params = params.normalized()
	salt := authenticatorSalt(authenticatorID)
	stretched := argon2.IDKey(secret, salt, params.Time, params.MemoryKB, params.Threads, 32)
	defer zeroBytes(stretched)
	return deriveKeyPairs(stretched, hkdfInfoAuthSigning, hkdfInfoAuthEncryption)
}

// NewRootSeed returns fresh random material for a newly provisioned identity.
func NewRootSeed() ([]byte, error) {
	seed := make([]byte, RootSeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

func deriveKeyPairs(material []byte, signingInfo, encryptionInfo string) (*DerivedKeys, error) {
	signingSeed, err := hkdfExpand(material, signingInfo, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(signingSeed)
	encryptionPriv, err := hkdfExpand(material, encryptionInfo, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	encryptionPub, err := curve25519.X25519(encryptionPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)

	return &DerivedKeys{
		SigningPrivateKey:    signingPriv,
		SigningPublicKey:     signingPub,
		EncryptionPrivateKey: encryptionPriv,
		EncryptionPublicKey:  encryptionPub,
	}, nil
}

func authenticatorSalt(authenticatorID string) []byte {
	h := blake2b.Sum256([]byte(authSaltDomain + "\x00" + authenticatorID))
	return h[:16]
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
