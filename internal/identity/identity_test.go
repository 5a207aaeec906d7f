package identity

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"
)

var testKDF = KDFParams{Time: 1, MemoryKB: 64, Threads: 1}

func TestDeriveKeysDeterministic(t *testing.T) {
	seed := []byte("test-seed-material")
	k1, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys 1 failed: %v", err)
	}
	k2, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys 2 failed: %v", err)
	}
	if !bytes.Equal(k1.SigningPublicKey, k2.SigningPublicKey) {
		t.Fatal("signing public keys should be deterministic")
	}
	if !bytes.Equal(k1.EncryptionPublicKey, k2.EncryptionPublicKey) {
		t.Fatal("encryption keys should be deterministic")
	}
	if bytes.Equal(k1.SigningPublicKey, k1.EncryptionPublicKey) {
		t.Fatal("signing and encryption keys must differ")
	}
}

func TestDeriveKeysRejectsEmptySeed(t *testing.T) {
	if _, err := DeriveKeys(nil); err == nil {
		t.Fatal("expected error for empty seed")
	}
}

func TestDeriveAuthenticatorKeysBoundToID(t *testing.T) {
	a1, err := DeriveAuthenticatorKeys("A", []byte("k1"), testKDF)
	if err != nil {
		t.Fatalf("derive A failed: %v", err)
	}
	a2, err := DeriveAuthenticatorKeys("A", []byte("k1"), testKDF)
	if err != nil {
		t.Fatalf("derive A again failed: %v", err)
	}
	b, err := DeriveAuthenticatorKeys("B", []byte("k1"), testKDF)
	if err != nil {
		t.Fatalf("derive B failed: %v", err)
	}
	if !bytes.Equal(a1.SigningPublicKey, a2.SigningPublicKey) {
		t.Fatal("same id and secret must derive the same keys")
	}
	if bytes.Equal(a1.SigningPublicKey, b.SigningPublicKey) {
		t.Fatal("different ids must derive different keys")
	}

	plain, err := DeriveKeys([]byte("k1"))
	if err != nil {
		t.Fatalf("derive plain failed: %v", err)
	}
	if bytes.Equal(plain.SigningPublicKey, a1.SigningPublicKey) {
		t.Fatal("authenticator keys must not collide with identity keys")
	}
}

func TestDeriveAuthenticatorKeysValidatesInput(t *testing.T) {
	if _, err := DeriveAuthenticatorKeys(" ", []byte("k1"), testKDF); err != ErrAuthenticatorID {
		t.Fatalf("expected ErrAuthenticatorID, got %v", err)
	}
	if _, err := DeriveAuthenticatorKeys("A", nil, testKDF); err != ErrSecretRequired {
		t.Fatalf("expected ErrSecretRequired, got %v", err)
	}
}

func TestBuildIDsAndControllerBinding(t *testing.T) {
	keys, err := DeriveKeys([]byte("seed"))
	if err != nil {
		t.Fatalf("derive keys failed: %v", err)
	}
	did, err := BuildIdentityID(keys.SigningPublicKey)
	if err != nil {
		t.Fatalf("build identity id failed: %v", err)
	}
	if !strings.HasPrefix(did, IdentityIDPrefix) {
		t.Fatalf("unexpected identity id: %s", did)
	}
	authID, err := BuildAuthenticatorID(keys.SigningPublicKey)
	if err != nil {
		t.Fatalf("build authenticator id failed: %v", err)
	}
	if !ControllerMatchesKey(did, keys.SigningPublicKey) || !ControllerMatchesKey(authID, keys.SigningPublicKey) {
		t.Fatal("controller ids must match their key")
	}

	other, _, _ := ed25519.GenerateKey(nil)
	if ControllerMatchesKey(did, other) {
		t.Fatal("controller id must not match a foreign key")
	}
	if ControllerMatchesKey("aim1"+did[len(IdentityIDPrefix):], keys.SigningPublicKey) {
		t.Fatal("unknown prefixes must be rejected")
	}
	if _, err := BuildIdentityID([]byte{1}); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestMnemonicSeed(t *testing.T) {
	m, err := NewMnemonicSeed()
	if err != nil {
		t.Fatalf("new mnemonic failed: %v", err)
	}
	if got := len(strings.Fields(m)); got != 24 {
		t.Fatalf("expected 24 words, got %d", got)
	}
	if !ValidateMnemonic(m) {
		t.Fatal("fresh mnemonic should validate")
	}
	if ValidateMnemonic("not a mnemonic") {
		t.Fatal("garbage should not validate")
	}
	seed, err := MnemonicSeedBytes(" " + m + " ")
	if err != nil {
		t.Fatalf("mnemonic seed failed: %v", err)
	}
	if len(seed) != 64 {
		t.Fatalf("unexpected seed size: %d", len(seed))
	}
}

func TestSignerRequiresMatchingController(t *testing.T) {
	keys, err := DeriveKeys([]byte("seed"))
	if err != nil {
		t.Fatalf("derive keys failed: %v", err)
	}
	ident, err := keys.Identity()
	if err != nil {
		t.Fatalf("identity failed: %v", err)
	}
	signer, err := NewSigner(ident.ID, keys)
	if err != nil {
		t.Fatalf("new signer failed: %v", err)
	}
	sig, err := signer.Sign([]byte("payload"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !ed25519.Verify(signer.PublicKey(), []byte("payload"), sig) {
		t.Fatal("signature must verify")
	}

	otherKeys, err := DeriveKeys([]byte("other"))
	if err != nil {
		t.Fatalf("derive other failed: %v", err)
	}
	if _, err := NewSigner(ident.ID, otherKeys); err == nil {
		t.Fatal("expected error for mismatched controller")
	}
}

func TestWipeClearsPrivateKeys(t *testing.T) {
	keys, err := DeriveKeys([]byte("seed"))
	if err != nil {
		t.Fatalf("derive keys failed: %v", err)
	}
	keys.Wipe()
	if !bytes.Equal(keys.EncryptionPrivateKey, make([]byte, 32)) {
		t.Fatal("encryption key must be zeroed")
	}
	if !bytes.Equal(keys.SigningPrivateKey, make([]byte, 64)) {
		t.Fatal("signing key must be zeroed")
	}
}
