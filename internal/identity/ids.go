package identity

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	IdentityIDPrefix      = "did:seedvault:z"
	AuthenticatorIDPrefix = "auth:z"
)

func BuildIdentityID(signingPublicKey []byte) (string, error) {
	return buildKeyID(IdentityIDPrefix, signingPublicKey)
}

// BuildAuthenticatorID names the controller of an authenticator's own documents.
func BuildAuthenticatorID(signingPublicKey []byte) (string, error) {
	return buildKeyID(AuthenticatorIDPrefix, signingPublicKey)
}

func VerifyIdentityID(identityID string, signingPublicKey []byte) (bool, error) {
	expected, err := BuildIdentityID(signingPublicKey)
	if err != nil {
		return false, err
	}
	return identityID == expected, nil
}

// ControllerMatchesKey reports whether a controller id is the hash of pub
// under either id scheme.
func ControllerMatchesKey(controller string, pub []byte) bool {
	var prefix string
	switch {
	case strings.HasPrefix(controller, IdentityIDPrefix):
		prefix = IdentityIDPrefix
	case strings.HasPrefix(controller, AuthenticatorIDPrefix):
		prefix = AuthenticatorIDPrefix
	default:
		return false
	}
	expected, err := buildKeyID(prefix, pub)
	if err != nil {
		return false
	}
	return controller == expected
}

func buildKeyID(prefix string, signingPublicKey []byte) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid signing public key size: %d", len(signingPublicKey))
	}
	h := blake2b.Sum256(signingPublicKey)
	return prefix + base58.Encode(h[:]), nil
}
