package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"seedvault/go-backend/internal/docstore"
	"seedvault/go-backend/internal/identity"
	"seedvault/go-backend/internal/keychain"
	"seedvault/go-backend/internal/secretcodec"

	"github.com/google/uuid"
)

const (
	FamilyMasterSeed   = "masterSeed"
	DefaultDocumentTag = "v1"

	SeedSourceAuthenticator = "authenticator"
	SeedSourceMnemonic      = "mnemonic"
)

// Content is the JSON body of the master seed document.
type Content struct {
	MasterSeed     *secretcodec.EncryptedBlob            `json:"masterSeed,omitempty"`
	Authenticators map[string]string                     `json:"authenticators"`
	Keys           map[string]*secretcodec.EncryptedBlob `json:"keys"`
}

type KeyPair struct {
	AuthenticatorID string
	Secret          []byte
}

// Metadata is a read-only snapshot of the master seed document.
type Metadata struct {
	Address     string
	Controllers []string
	Revision    uint64
	UpdatedAt   time.Time
	Content     Content
}

// Limiter throttles authentication attempts per authenticator id.
type Limiter interface {
	Allow(key string, now time.Time) (bool, time.Duration)
}

type Config struct {
	Client          *docstore.Client
	Codec           *secretcodec.Codec
	KDF             identity.KDFParams
	KeychainVersion string
	DocumentTag     string
	SeedSource      string
	Limiter         Limiter
	Permission      keychain.PermissionFunc
	Metrics         *Metrics
	Logger          *slog.Logger
	Now             func() time.Time
}

// Engine keeps one identity's keychain and master seed document in step.
// Methods are serialized; separate engines may race on the same identity and
// the stores resolve that last-writer-wins.
type Engine struct {
	cfg Config

	mu    sync.Mutex
	kc    *keychain.Keychain
	ident identity.Identity
	doc   *docstore.Handle
}

func New(cfg Config) (*Engine, error) {
	if cfg.Client == nil {
		return nil, errors.New("vault: document client is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = secretcodec.New()
	}
	if strings.TrimSpace(cfg.DocumentTag) == "" {
		cfg.DocumentTag = DefaultDocumentTag
	}
	if strings.TrimSpace(cfg.KeychainVersion) == "" {
		cfg.KeychainVersion = keychain.DefaultVersion
	}
	switch cfg.SeedSource {
	case "":
		cfg.SeedSource = SeedSourceAuthenticator
	case SeedSourceAuthenticator, SeedSourceMnemonic:
	default:
		return nil, fmt.Errorf("vault: unknown seed source %q", cfg.SeedSource)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg}, nil
}

// Initialize unlocks (or provisions) the identity behind the authenticator,
// makes sure its master seed document holds a seed and repairs the
// document's authenticator index from the keychain.
func (e *Engine) Initialize(ctx context.Context, secret []byte, authenticatorID, label string) (ident identity.Identity, err error) {
	op := e.begin("initialize", "authenticator_id", authenticatorID)
	defer func() { op.end(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.Limiter != nil {
		if ok, retryAfter := e.cfg.Limiter.Allow(authenticatorID, e.cfg.Now()); !ok {
			return identity.Identity{}, newError(CategoryAuth, ErrRateLimited, fmt.Errorf("retry in %s", retryAfter.Round(time.Millisecond)))
		}
	}

	kc, err := keychain.New(keychain.Config{
		Client:     e.cfg.Client,
		Codec:      e.cfg.Codec,
		KDF:        e.cfg.KDF,
		Version:    e.cfg.KeychainVersion,
		Permission: e.cfg.Permission,
		Now:        e.cfg.Now,
		Logger:     e.cfg.Logger,
	})
	if err != nil {
		return identity.Identity{}, newError(CategoryAPI, ErrAuthentication, err)
	}
	ident, err = kc.Authenticate(ctx, authenticatorID, secret, label)
	if err != nil {
		return identity.Identity{}, classify(err)
	}

	h, err := e.cfg.Client.DeterministicResolve(ctx, FamilyMasterSeed, e.cfg.DocumentTag, kc.Signer(),
		docstore.WithGenesis(emptyContent()))
	if err != nil {
		return identity.Identity{}, classify(err)
	}
	content, err := decodeContent(h)
	if err != nil {
		return identity.Identity{}, classify(err)
	}
	if content.MasterSeed == nil {
		seed, err := e.newSeed(secret)
		if err != nil {
			return identity.Identity{}, classify(err)
		}
		if _, err := e.initializeMasterSeed(ctx, h, ident, seed, secret, authenticatorID, label); err != nil {
			return identity.Identity{}, err
		}
	}
	if err := e.reconcile(ctx, h, kc, ident, authenticatorID, secret); err != nil {
		return identity.Identity{}, err
	}

	e.kc = kc
	e.ident = ident
	e.doc = h
	op.log.Info("vault initialized", "identity_id", ident.ID, "address", h.Address())
	return ident, nil
}

// InitializeMasterSeed stores seed as the master seed unless one is already
// present. An existing seed is never replaced.
func (e *Engine) InitializeMasterSeed(ctx context.Context, seed []byte, authenticatorID, label string) (meta Metadata, err error) {
	op := e.begin("initialize_master_seed", "authenticator_id", authenticatorID)
	defer func() { op.end(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireInitialized(); err != nil {
		return Metadata{}, err
	}
	return e.initializeMasterSeed(ctx, e.doc, e.ident, seed, seed, authenticatorID, label)
}

// AddAuthenticator commits the authenticator to the keychain and then indexes
// it in the document. Retrying with the same id and secret after a failed
// document write only redoes the document step.
func (e *Engine) AddAuthenticator(ctx context.Context, secret []byte, authenticatorID, label string) (err error) {
	op := e.begin("add_authenticator", "authenticator_id", authenticatorID)
	defer func() { op.end(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireInitialized(); err != nil {
		return err
	}
	if err := e.kc.Refresh(ctx); err != nil {
		return classify(err)
	}

	held, err := e.kc.Holds(authenticatorID, secret)
	if err != nil {
		return classify(err)
	}
	if held {
		op.log.Info("authenticator already in keychain, updating document")
	} else {
		if err := e.kc.Add(authenticatorID, secret, label); err != nil {
			return classify(err)
		}
		if err := e.kc.Commit(ctx); err != nil {
			e.kc.Rollback()
			return classify(err)
		}
	}

	wrapped, err := e.cfg.Codec.Wrap(e.ident.EncryptionPublicKey, secret)
	if err != nil {
		return classify(err)
	}
	return e.mutateDocument(ctx, func(c *Content) bool {
		c.Authenticators[authenticatorID] = label
		c.Keys[authenticatorID] = wrapped
		return true
	})
}

// RemoveAuthenticator drops the authenticator from the keychain and then from
// the document. An id the keychain no longer lists but the document still
// indexes is only removed from the document.
func (e *Engine) RemoveAuthenticator(ctx context.Context, authenticatorID string) (err error) {
	op := e.begin("remove_authenticator", "authenticator_id", authenticatorID)
	defer func() { op.end(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireInitialized(); err != nil {
		return err
	}
	if err := e.kc.Refresh(ctx); err != nil {
		return classify(err)
	}

	if e.kc.Has(authenticatorID) {
		if err := e.kc.Remove(authenticatorID); err != nil {
			return classify(err)
		}
		if err := e.kc.Commit(ctx); err != nil {
			e.kc.Rollback()
			return classify(err)
		}
	} else {
		if err := e.doc.Refresh(ctx); err != nil {
			return classify(err)
		}
		content, err := decodeContent(e.doc)
		if err != nil {
			return classify(err)
		}
		_, indexed := content.Authenticators[authenticatorID]
		_, keyed := content.Keys[authenticatorID]
		if !indexed && !keyed {
			return newError(CategoryAPI, ErrUnknownAuthenticator, errors.New(authenticatorID))
		}
		op.log.Info("authenticator already gone from keychain, updating document")
	}

	return e.mutateDocument(ctx, func(c *Content) bool {
		_, indexed := c.Authenticators[authenticatorID]
		_, keyed := c.Keys[authenticatorID]
		delete(c.Authenticators, authenticatorID)
		delete(c.Keys, authenticatorID)
		return indexed || keyed
	})
}

// MasterSeed returns the decrypted master seed from the latest document.
func (e *Engine) MasterSeed(ctx context.Context) (seed []byte, err error) {
	op := e.begin("get_master_seed")
	defer func() { op.end(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	content, err := e.latestContent(ctx)
	if err != nil {
		return nil, err
	}
	if content.MasterSeed == nil {
		return nil, newError(CategoryAPI, ErrSeedNotFound, nil)
	}
	seed, err = e.unwrap(content.MasterSeed)
	if err != nil {
		return nil, err
	}
	return seed, nil
}

// AuthenticatorKeyPair finds the first authenticator, by id order, labelled
// label and returns its id and secret.
func (e *Engine) AuthenticatorKeyPair(ctx context.Context, label string) (pair KeyPair, err error) {
	op := e.begin("get_authenticator_key_pair")
	defer func() { op.end(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	content, err := e.latestContent(ctx)
	if err != nil {
		return KeyPair{}, err
	}
	for _, id := range slices.Sorted(maps.Keys(content.Authenticators)) {
		if content.Authenticators[id] != label {
			continue
		}
		blob := content.Keys[id]
		if blob == nil {
			continue
		}
		secret, err := e.unwrap(blob)
		if err != nil {
			return KeyPair{}, err
		}
		return KeyPair{AuthenticatorID: id, Secret: secret}, nil
	}
	return KeyPair{}, newError(CategoryAPI, ErrNotFound, fmt.Errorf("no authenticator labelled %q", label))
}

// Metadata returns the latest document snapshot.
func (e *Engine) Metadata(ctx context.Context) (meta Metadata, err error) {
	op := e.begin("get_metadata")
	defer func() { op.end(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireInitialized(); err != nil {
		return Metadata{}, err
	}
	if err := e.doc.Refresh(ctx); err != nil {
		return Metadata{}, classify(err)
	}
	return metadataOf(e.doc)
}

// Authenticators lists keychain authenticator ids in insertion order after
// reloading the remote keychain.
func (e *Engine) Authenticators(ctx context.Context) (ids []string, err error) {
	op := e.begin("list_authenticators")
	defer func() { op.end(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireInitialized(); err != nil {
		return nil, err
	}
	if err := e.kc.Refresh(ctx); err != nil {
		return nil, classify(err)
	}
	return e.kc.List(), nil
}

func (e *Engine) Identity() (identity.Identity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ident, e.kc != nil
}

func (e *Engine) initializeMasterSeed(ctx context.Context, h *docstore.Handle, ident identity.Identity, seed, keySecret []byte, authenticatorID, label string) (Metadata, error) {
	if err := h.Refresh(ctx); err != nil {
		return Metadata{}, classify(err)
	}
	content, err := decodeContent(h)
	if err != nil {
		return Metadata{}, classify(err)
	}
	if content.MasterSeed != nil {
		e.cfg.Logger.Debug("master seed already present", "address", h.Address())
		return metadataOf(h)
	}

	wrappedSeed, err := e.cfg.Codec.Wrap(ident.EncryptionPublicKey, seed)
	if err != nil {
		return Metadata{}, classify(err)
	}
	wrappedKey, err := e.cfg.Codec.Wrap(ident.EncryptionPublicKey, keySecret)
	if err != nil {
		return Metadata{}, classify(err)
	}
	content.Authenticators[authenticatorID] = label
	content.Keys[authenticatorID] = wrappedKey
	if err := h.Update(ctx, map[string]any{
		"masterSeed":     wrappedSeed,
		"authenticators": content.Authenticators,
		"keys":           content.Keys,
	}); err != nil {
		return Metadata{}, classify(err)
	}
	e.cfg.Logger.Info("master seed stored", "identity_id", ident.ID, "address", h.Address())
	return metadataOf(h)
}

// reconcile indexes keychain authenticators the document is missing and drops
// document entries the keychain no longer lists. Only the authenticator in
// hand can contribute a key.
//
// The document is re-read before the keychain. Writers commit the keychain
// before indexing the document, so every id in the fresh document is already
// visible in the fresh keychain unless it was really removed.
func (e *Engine) reconcile(ctx context.Context, h *docstore.Handle, kc *keychain.Keychain, ident identity.Identity, currentID string, secret []byte) error {
	if err := h.Refresh(ctx); err != nil {
		return classify(err)
	}
	if err := kc.Refresh(ctx); err != nil {
		return classify(err)
	}
	content, err := decodeContent(h)
	if err != nil {
		return classify(err)
	}
	members := make(map[string]struct{})
	changed := false
	for _, entry := range kc.Entries() {
		members[entry.ID] = struct{}{}
		if _, ok := content.Authenticators[entry.ID]; !ok {
			content.Authenticators[entry.ID] = entry.Label
			changed = true
		}
		if entry.ID == currentID && content.Keys[entry.ID] == nil {
			wrapped, err := e.cfg.Codec.Wrap(ident.EncryptionPublicKey, secret)
			if err != nil {
				return classify(err)
			}
			content.Keys[entry.ID] = wrapped
			changed = true
		}
	}
	for id := range content.Authenticators {
		if _, ok := members[id]; !ok {
			delete(content.Authenticators, id)
			changed = true
		}
	}
	for id := range content.Keys {
		if _, ok := members[id]; !ok {
			delete(content.Keys, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	e.cfg.Logger.Info("document reconciled with keychain", "identity_id", ident.ID, "authenticators", len(members))
	if err := h.Update(ctx, map[string]any{
		"authenticators": content.Authenticators,
		"keys":           content.Keys,
	}); err != nil {
		return classify(err)
	}
	return nil
}

// mutateDocument re-reads the document, applies fn and writes the
// authenticator maps back when fn reports a change.
func (e *Engine) mutateDocument(ctx context.Context, fn func(*Content) bool) error {
	if err := e.doc.Refresh(ctx); err != nil {
		return classify(err)
	}
	content, err := decodeContent(e.doc)
	if err != nil {
		return classify(err)
	}
	if !fn(&content) {
		return nil
	}
	if err := e.doc.Update(ctx, map[string]any{
		"authenticators": content.Authenticators,
		"keys":           content.Keys,
	}); err != nil {
		return classify(err)
	}
	return nil
}

func (e *Engine) latestContent(ctx context.Context) (Content, error) {
	if err := e.requireInitialized(); err != nil {
		return Content{}, err
	}
	if err := e.doc.Refresh(ctx); err != nil {
		return Content{}, classify(err)
	}
	content, err := decodeContent(e.doc)
	if err != nil {
		return Content{}, classify(err)
	}
	return content, nil
}

func (e *Engine) unwrap(blob *secretcodec.EncryptedBlob) ([]byte, error) {
	keys := e.kc.Keys()
	if keys == nil {
		return nil, newError(CategoryAPI, ErrNotInitialized, nil)
	}
	plaintext, err := e.cfg.Codec.Unwrap(keys.EncryptionPrivateKey, blob)
	if err != nil {
		return nil, classify(err)
	}
	return plaintext, nil
}

func (e *Engine) newSeed(secret []byte) ([]byte, error) {
	if e.cfg.SeedSource == SeedSourceMnemonic {
		mnemonic, err := identity.NewMnemonicSeed()
		if err != nil {
			return nil, err
		}
		return []byte(mnemonic), nil
	}
	return slices.Clone(secret), nil
}

func (e *Engine) requireInitialized() error {
	if e.kc == nil || e.doc == nil {
		return newError(CategoryAPI, ErrNotInitialized, nil)
	}
	return nil
}

func emptyContent() Content {
	return Content{
		Authenticators: map[string]string{},
		Keys:           map[string]*secretcodec.EncryptedBlob{},
	}
}

func decodeContent(h *docstore.Handle) (Content, error) {
	var content Content
	if err := h.Content(&content); err != nil {
		return Content{}, fmt.Errorf("%w: %v", docstore.ErrInvalidDocument, err)
	}
	if content.Authenticators == nil {
		content.Authenticators = map[string]string{}
	}
	if content.Keys == nil {
		content.Keys = map[string]*secretcodec.EncryptedBlob{}
	}
	return content, nil
}

func metadataOf(h *docstore.Handle) (Metadata, error) {
	snap := h.Snapshot()
	content, err := decodeContent(h)
	if err != nil {
		return Metadata{}, classify(err)
	}
	return Metadata{
		Address:     snap.Address,
		Controllers: snap.Controllers,
		Revision:    snap.Revision,
		UpdatedAt:   snap.UpdatedAt,
		Content:     content,
	}, nil
}

type operation struct {
	engine  *Engine
	name    string
	started time.Time
	log     *slog.Logger
}

func (e *Engine) begin(name string, args ...any) *operation {
	log := e.cfg.Logger.With(
		"component", "vault",
		"operation", name,
		"correlation_id", uuid.NewString(),
	)
	if len(args) > 0 {
		log = log.With(args...)
	}
	return &operation{engine: e, name: name, started: time.Now(), log: log}
}

func (o *operation) end(err error) {
	o.engine.cfg.Metrics.observe(o.name, o.started, err)
	if err != nil {
		o.log.Warn("vault operation failed", "category", ErrorCategory(err), "error", err.Error())
		return
	}
	o.log.Debug("vault operation completed", "duration_ms", time.Since(o.started).Milliseconds())
}
