package identity

import (
	"crypto/ed25519"
	"errors"
)

var ErrNoSigningKey = errors.New("signing key is not available")

// Signer signs documents on behalf of one controller id.
type Signer struct {
	controllerID string
	priv         ed25519.PrivateKey
	pub          ed25519.PublicKey
}

func NewSigner(controllerID string, keys *DerivedKeys) (*Signer, error) {
	if keys == nil || len(keys.SigningPrivateKey) != ed25519.PrivateKeySize {
		return nil, ErrNoSigningKey
	}
	if !ControllerMatchesKey(controllerID, keys.SigningPublicKey) {
		return nil, ErrIdentityInit
	}
	return &Signer{
		controllerID: controllerID,
		priv:         append(ed25519.PrivateKey(nil), keys.SigningPrivateKey...),
		pub:          append(ed25519.PublicKey(nil), keys.SigningPublicKey...),
	}, nil
}

func (s *Signer) ControllerID() string { return s.controllerID }

func (s *Signer) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.pub...)
}

func (s *Signer) Sign(message []byte) ([]byte, error) {
	if s == nil || len(s.priv) != ed25519.PrivateKeySize {
		return nil, ErrNoSigningKey
	}
	return ed25519.Sign(s.priv, message), nil
}
