package keychain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"seedvault/go-backend/internal/docstore"
	"seedvault/go-backend/internal/identity"
	"seedvault/go-backend/internal/secretcodec"
)

const (
	FamilyKeychain = "keychain"
	FamilyAuthLink = "authLink"
	DefaultVersion = "v1"
)

var (
	ErrDuplicate        = errors.New("authenticator already in keychain")
	ErrUnknown          = errors.New("authenticator not in keychain")
	ErrNotAuthenticated = errors.New("keychain is not authenticated")
	ErrAuthentication   = errors.New("keychain authentication failed")
	ErrRevoked          = fmt.Errorf("%w: authenticator is not a member of its keychain", ErrAuthentication)
	ErrPermissionDenied = fmt.Errorf("%w: provisioning a new identity was denied", ErrAuthentication)
	ErrIdentityMismatch = fmt.Errorf("%w: keychain seed does not match linked identity", ErrAuthentication)
)

// Entry is one authenticator able to unwrap the identity root seed.
type Entry struct {
	ID          string                     `json:"id"`
	Label       string                     `json:"label"`
	AuthKey     []byte                     `json:"authKey"`
	WrappedSeed *secretcodec.EncryptedBlob `json:"wrappedSeed"`
	AddedAt     time.Time                  `json:"addedAt"`
}

// EntryInfo is the non-secret part of an entry.
type EntryInfo struct {
	ID    string
	Label string
}

type keychainContent struct {
	Entries []Entry `json:"entries"`
}

type linkContent struct {
	Identity string `json:"identity"`
}

type PermissionRequest struct {
	AuthenticatorID string
	Label           string
}

// PermissionFunc decides whether an unlinked authenticator may provision a
// brand new identity.
type PermissionFunc func(ctx context.Context, req PermissionRequest) bool

type Config struct {
	Client     *docstore.Client
	Codec      *secretcodec.Codec
	KDF        identity.KDFParams
	Version    string
	Permission PermissionFunc
	Now        func() time.Time
	Logger     *slog.Logger
}

type opKind int

const (
	opAdd opKind = iota + 1
	opRemove
)

type pendingOp struct {
	kind       opKind
	entry      Entry
	linkSigner *identity.Signer
}

// Keychain is the set of authenticators that unlock one identity. Add and
// Remove only change the local view until Commit.
type Keychain struct {
	cfg Config

	mu       sync.Mutex
	keys     *identity.DerivedKeys
	ident    identity.Identity
	signer   *identity.Signer
	rootSeed []byte
	remote   []Entry
	entries  []Entry
	pending  []pendingOp
}

func New(cfg Config) (*Keychain, error) {
	if cfg.Client == nil {
		return nil, errors.New("keychain: document client is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = secretcodec.New()
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Keychain{cfg: cfg}, nil
}

// Authenticate unlocks the identity linked to (authenticatorID, secret), or
// provisions a new identity when the authenticator has never been linked.
func (k *Keychain) Authenticate(ctx context.Context, authenticatorID string, secret []byte, label string) (identity.Identity, error) {
	authKeys, err := identity.DeriveAuthenticatorKeys(authenticatorID, secret, k.cfg.KDF)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	defer authKeys.Wipe()
	authSigner, err := authenticatorSigner(authKeys)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	raw, linked, err := k.cfg.Client.Read(ctx, FamilyAuthLink, authenticatorID, authSigner.ControllerID())
	if err != nil {
		return identity.Identity{}, err
	}
	if !linked {
		return k.provision(ctx, authenticatorID, label, authKeys, authSigner)
	}
	var link linkContent
	if err := json.Unmarshal(raw, &link); err != nil || link.Identity == "" {
		return identity.Identity{}, fmt.Errorf("%w: malformed authenticator link", ErrAuthentication)
	}

	remote, found, err := k.readEntries(ctx, link.Identity)
	if err != nil {
		return identity.Identity{}, err
	}
	if !found {
		k.cfg.Logger.Warn("linked keychain missing, provisioning again",
			"authenticator_id", authenticatorID, "identity_id", link.Identity)
		return k.provision(ctx, authenticatorID, label, authKeys, authSigner)
	}
	idx := slices.IndexFunc(remote, func(e Entry) bool {
		return e.ID == authenticatorID && bytes.Equal(e.AuthKey, authKeys.EncryptionPublicKey)
	})
	if idx < 0 {
		return identity.Identity{}, ErrRevoked
	}
	rootSeed, err := k.cfg.Codec.Unwrap(authKeys.EncryptionPrivateKey, remote[idx].WrappedSeed)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	ident, err := k.unlock(rootSeed)
	if err != nil {
		return identity.Identity{}, err
	}
	if ident.ID != link.Identity {
		k.reset()
		return identity.Identity{}, ErrIdentityMismatch
	}

	k.mu.Lock()
	k.remote = cloneEntries(remote)
	k.entries = cloneEntries(remote)
	k.pending = nil
	k.mu.Unlock()
	return ident, nil
}

func (k *Keychain) provision(ctx context.Context, authenticatorID, label string, authKeys *identity.DerivedKeys, authSigner *identity.Signer) (identity.Identity, error) {
	if k.cfg.Permission != nil && !k.cfg.Permission(ctx, PermissionRequest{AuthenticatorID: authenticatorID, Label: label}) {
		return identity.Identity{}, ErrPermissionDenied
	}
	rootSeed, err := identity.NewRootSeed()
	if err != nil {
		return identity.Identity{}, err
	}
	ident, err := k.unlock(rootSeed)
	if err != nil {
		return identity.Identity{}, err
	}
	entry, err := k.newEntry(authenticatorID, label, authKeys)
	if err != nil {
		k.reset()
		return identity.Identity{}, err
	}
	entries := []Entry{entry}

	k.mu.Lock()
	signer := k.signer
	k.mu.Unlock()
	h, err := k.cfg.Client.DeterministicResolve(ctx, FamilyKeychain, k.cfg.Version, signer)
	if err != nil {
		k.reset()
		return identity.Identity{}, err
	}
	if err := h.Replace(ctx, keychainContent{Entries: entries}); err != nil {
		k.reset()
		return identity.Identity{}, err
	}
	if err := k.writeLink(ctx, authenticatorID, authSigner, ident.ID); err != nil {
		k.reset()
		return identity.Identity{}, err
	}

	k.mu.Lock()
	k.remote = cloneEntries(entries)
	k.entries = cloneEntries(entries)
	k.pending = nil
	k.mu.Unlock()
	k.cfg.Logger.Info("identity provisioned", "identity_id", ident.ID, "authenticator_id", authenticatorID)
	return ident, nil
}

// Add stages a new authenticator. It has no remote effect until Commit.
func (k *Keychain) Add(authenticatorID string, secret []byte, label string) error {
	k.mu.Lock()
	if k.keys == nil {
		k.mu.Unlock()
		return ErrNotAuthenticated
	}
	if k.indexLocked(authenticatorID) >= 0 {
		k.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, authenticatorID)
	}
	k.mu.Unlock()

	authKeys, err := identity.DeriveAuthenticatorKeys(authenticatorID, secret, k.cfg.KDF)
	if err != nil {
		return err
	}
	defer authKeys.Wipe()
	linkSigner, err := authenticatorSigner(authKeys)
	if err != nil {
		return err
	}
	entry, err := k.newEntry(authenticatorID, label, authKeys)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.indexLocked(authenticatorID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, authenticatorID)
	}
	k.entries = append(k.entries, entry)
	k.pending = append(k.pending, pendingOp{kind: opAdd, entry: entry, linkSigner: linkSigner})
	return nil
}

// Remove stages the removal of an authenticator.
func (k *Keychain) Remove(authenticatorID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		return ErrNotAuthenticated
	}
	idx := k.indexLocked(authenticatorID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknown, authenticatorID)
	}
	k.entries = slices.Delete(k.entries, idx, idx+1)
	k.pending = append(k.pending, pendingOp{kind: opRemove, entry: Entry{ID: authenticatorID}})
	return nil
}

// Commit writes staged changes. Links for new authenticators go out first,
// then the latest remote keychain is re-read and the staged operations are
// replayed on top of it. On failure the staged operations are kept.
func (k *Keychain) Commit(ctx context.Context) error {
	k.mu.Lock()
	if k.keys == nil {
		k.mu.Unlock()
		return ErrNotAuthenticated
	}
	pending := slices.Clone(k.pending)
	signer := k.signer
	did := k.ident.ID
	k.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	for _, op := range pending {
		if op.kind != opAdd {
			continue
		}
		if err := k.writeLink(ctx, op.entry.ID, op.linkSigner, did); err != nil {
			return err
		}
	}

	h, err := k.cfg.Client.DeterministicResolve(ctx, FamilyKeychain, k.cfg.Version, signer)
	if err != nil {
		return err
	}
	var current keychainContent
	if err := h.Content(&current); err != nil {
		return fmt.Errorf("%w: %v", docstore.ErrInvalidDocument, err)
	}
	rebased, err := rebase(current.Entries, pending)
	if err != nil {
		return err
	}
	if err := h.Replace(ctx, keychainContent{Entries: rebased}); err != nil {
		return err
	}

	k.mu.Lock()
	k.remote = cloneEntries(rebased)
	k.entries = cloneEntries(rebased)
	k.pending = k.pending[len(pending):]
	for _, op := range k.pending {
		k.entries = applyLocal(k.entries, op)
	}
	k.mu.Unlock()
	return nil
}

// Rollback discards staged operations.
func (k *Keychain) Rollback() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pending = nil
	k.entries = cloneEntries(k.remote)
}

// Refresh reloads the remote keychain and replays staged operations on it.
func (k *Keychain) Refresh(ctx context.Context) error {
	k.mu.Lock()
	if k.keys == nil {
		k.mu.Unlock()
		return ErrNotAuthenticated
	}
	did := k.ident.ID
	k.mu.Unlock()

	remote, _, err := k.readEntries(ctx, did)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.remote = cloneEntries(remote)
	k.entries = cloneEntries(remote)
	for _, op := range k.pending {
		k.entries = applyLocal(k.entries, op)
	}
	return nil
}

// List returns authenticator ids of the local view in insertion order.
func (k *Keychain) List() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.entries))
	for _, e := range k.entries {
		out = append(out, e.ID)
	}
	return out
}

func (k *Keychain) Entries() []EntryInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]EntryInfo, 0, len(k.entries))
	for _, e := range k.entries {
		out = append(out, EntryInfo{ID: e.ID, Label: e.Label})
	}
	return out
}

func (k *Keychain) Has(authenticatorID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.indexLocked(authenticatorID) >= 0
}

// Holds reports whether the local view lists authenticatorID with the key
// derived from secret.
func (k *Keychain) Holds(authenticatorID string, secret []byte) (bool, error) {
	k.mu.Lock()
	idx := k.indexLocked(authenticatorID)
	var authKey []byte
	if idx >= 0 {
		authKey = slices.Clone(k.entries[idx].AuthKey)
	}
	k.mu.Unlock()
	if idx < 0 {
		return false, nil
	}
	authKeys, err := identity.DeriveAuthenticatorKeys(authenticatorID, secret, k.cfg.KDF)
	if err != nil {
		return false, err
	}
	defer authKeys.Wipe()
	return bytes.Equal(authKey, authKeys.EncryptionPublicKey), nil
}

func (k *Keychain) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.pending)
}

func (k *Keychain) Identity() (identity.Identity, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ident, k.keys != nil
}

// Keys exposes the identity key material derived from the root seed.
func (k *Keychain) Keys() *identity.DerivedKeys {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.keys
}

func (k *Keychain) Signer() *identity.Signer {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.signer
}

func (k *Keychain) unlock(rootSeed []byte) (identity.Identity, error) {
	keys, err := identity.DeriveKeys(rootSeed)
	if err != nil {
		return identity.Identity{}, err
	}
	ident, err := keys.Identity()
	if err != nil {
		return identity.Identity{}, err
	}
	signer, err := identity.NewSigner(ident.ID, keys)
	if err != nil {
		return identity.Identity{}, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys != nil {
		k.keys.Wipe()
	}
	k.keys = keys
	k.ident = ident
	k.signer = signer
	k.rootSeed = rootSeed
	return ident, nil
}

func (k *Keychain) reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys != nil {
		k.keys.Wipe()
	}
	for i := range k.rootSeed {
		k.rootSeed[i] = 0
	}
	k.keys = nil
	k.ident = identity.Identity{}
	k.signer = nil
	k.rootSeed = nil
	k.remote = nil
	k.entries = nil
	k.pending = nil
}

func (k *Keychain) newEntry(authenticatorID, label string, authKeys *identity.DerivedKeys) (Entry, error) {
	k.mu.Lock()
	rootSeed := k.rootSeed
	k.mu.Unlock()
	wrapped, err := k.cfg.Codec.Wrap(authKeys.EncryptionPublicKey, rootSeed)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:          authenticatorID,
		Label:       label,
		AuthKey:     slices.Clone(authKeys.EncryptionPublicKey),
		WrappedSeed: wrapped,
		AddedAt:     k.cfg.Now().UTC(),
	}, nil
}

func (k *Keychain) writeLink(ctx context.Context, authenticatorID string, authSigner *identity.Signer, did string) error {
	h, err := k.cfg.Client.DeterministicResolve(ctx, FamilyAuthLink, authenticatorID, authSigner)
	if err != nil {
		return err
	}
	var current linkContent
	if err := h.Content(&current); err == nil && current.Identity == did {
		return nil
	}
	return h.Replace(ctx, linkContent{Identity: did})
}

func (k *Keychain) readEntries(ctx context.Context, did string) ([]Entry, bool, error) {
	raw, ok, err := k.cfg.Client.Read(ctx, FamilyKeychain, k.cfg.Version, did)
	if err != nil || !ok {
		return nil, ok, err
	}
	var content keychainContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, false, fmt.Errorf("%w: %v", docstore.ErrInvalidDocument, err)
	}
	return content.Entries, true, nil
}

func (k *Keychain) indexLocked(authenticatorID string) int {
	return slices.IndexFunc(k.entries, func(e Entry) bool { return e.ID == authenticatorID })
}

func authenticatorSigner(authKeys *identity.DerivedKeys) (*identity.Signer, error) {
	controller, err := identity.BuildAuthenticatorID(authKeys.SigningPublicKey)
	if err != nil {
		return nil, err
	}
	return identity.NewSigner(controller, authKeys)
}

// rebase replays staged operations on the latest remote entries.
func rebase(remote []Entry, pending []pendingOp) ([]Entry, error) {
	out := cloneEntries(remote)
	for _, op := range pending {
		idx := slices.IndexFunc(out, func(e Entry) bool { return e.ID == op.entry.ID })
		switch op.kind {
		case opAdd:
			if idx >= 0 {
				if bytes.Equal(out[idx].AuthKey, op.entry.AuthKey) {
					continue
				}
				return nil, fmt.Errorf("%w: %s", ErrDuplicate, op.entry.ID)
			}
			out = append(out, op.entry)
		case opRemove:
			if idx >= 0 {
				out = slices.Delete(out, idx, idx+1)
			}
		}
	}
	return out, nil
}

func applyLocal(entries []Entry, op pendingOp) []Entry {
	idx := slices.IndexFunc(entries, func(e Entry) bool { return e.ID == op.entry.ID })
	switch op.kind {
	case opAdd:
		if idx < 0 {
			entries = append(entries, op.entry)
		}
	case opRemove:
		if idx >= 0 {
			entries = slices.Delete(entries, idx, idx+1)
		}
	}
	return entries
}

func cloneEntries(in []Entry) []Entry {
	out := make([]Entry, len(in))
	copy(out, in)
	return out
}
