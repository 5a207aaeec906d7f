package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Client resolves and reads deterministic documents on a Store.
type Client struct {
	store Store
	now   func() time.Time
}

func NewClient(store Store) *Client {
	return &Client{store: store, now: time.Now}
}

func newClientWithClock(store Store, now func() time.Time) *Client {
	return &Client{store: store, now: now}
}

func (c *Client) Store() Store { return c.store }

type resolveOptions struct {
	genesis any
}

type ResolveOption func(*resolveOptions)

// WithGenesis sets the content written when the document does not exist yet.
func WithGenesis(content any) ResolveOption {
	return func(o *resolveOptions) { o.genesis = content }
}

// DeterministicResolve returns the document at (family, tag, signer) and
// creates the genesis revision when nothing is stored there. Repeated calls
// return the same document.
func (c *Client) DeterministicResolve(ctx context.Context, family, tag string, signer Signer, opts ...ResolveOption) (*Handle, error) {
	if signer == nil {
		return nil, fmt.Errorf("%w: missing signer", ErrInvalidDocument)
	}
	o := resolveOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	controller := signer.ControllerID()
	address := Address(family, tag, controller)
	doc, ok, err := c.get(ctx, address)
	if err != nil {
		return nil, err
	}
	if !ok {
		content := json.RawMessage(`{}`)
		if o.genesis != nil {
			content, err = json.Marshal(o.genesis)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
			}
		}
		genesis := Document{
			Address:     address,
			Family:      family,
			Tag:         tag,
			Controllers: []string{controller},
			Revision:    1,
			Content:     content,
			UpdatedAt:   c.now().UTC(),
		}
		if err := genesis.Sign(signer); err != nil {
			return nil, err
		}
		doc, _, err = c.store.Create(ctx, genesis)
		if err != nil {
			return nil, err
		}
	}
	return &Handle{client: c, signer: signer, doc: doc}, nil
}

// Read returns the current content at (family, tag, controller) without
// creating anything.
func (c *Client) Read(ctx context.Context, family, tag, controller string) (json.RawMessage, bool, error) {
	doc, ok, err := c.get(ctx, Address(family, tag, controller))
	if err != nil || !ok {
		return nil, ok, err
	}
	return doc.Content, true, nil
}

func (c *Client) get(ctx context.Context, address string) (Document, bool, error) {
	doc, ok, err := c.store.Get(ctx, address)
	if err != nil || !ok {
		return Document{}, ok, err
	}
	if err := doc.Verify(); err != nil {
		return Document{}, false, fmt.Errorf("stored document %s: %w", address, err)
	}
	return doc, true, nil
}

// Handle is a cached view of one document that its controller can update.
type Handle struct {
	client *Client
	signer Signer

	mu  sync.Mutex
	doc Document
}

func (h *Handle) Address() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.Address
}

func (h *Handle) Controllers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.doc.Controllers...)
}

func (h *Handle) Revision() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.Revision
}

func (h *Handle) Snapshot() Document {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.Clone()
}

// Content decodes the cached content into v.
func (h *Handle) Content(v any) error {
	h.mu.Lock()
	raw := append(json.RawMessage(nil), h.doc.Content...)
	h.mu.Unlock()
	return json.Unmarshal(raw, v)
}

// Refresh reloads the latest stored revision.
func (h *Handle) Refresh(ctx context.Context) error {
	address := h.Address()
	doc, ok, err := h.client.get(ctx, address)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	h.mu.Lock()
	h.doc = doc
	h.mu.Unlock()
	return nil
}

// Update shallow-merges patch into the cached content and writes the result.
// A nil value removes the key. Callers refresh first when they need the
// latest remote state; the store does not detect lost updates.
func (h *Handle) Update(ctx context.Context, patch map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(h.doc.Content, &merged); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if merged == nil {
		merged = map[string]json.RawMessage{}
	}
	for key, value := range patch {
		if value == nil {
			delete(merged, key)
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDocument, key, err)
		}
		if string(raw) == "null" {
			delete(merged, key)
			continue
		}
		merged[key] = raw
	}
	content, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return h.writeLocked(ctx, content)
}

// Replace overwrites the whole content.
func (h *Handle) Replace(ctx context.Context, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeLocked(ctx, raw)
}

func (h *Handle) writeLocked(ctx context.Context, content json.RawMessage) error {
	if h.signer == nil {
		return errors.New("document handle is read-only")
	}
	next := h.doc.Clone()
	next.Revision = h.doc.Revision + 1
	next.Content = content
	next.UpdatedAt = h.client.now().UTC()
	if err := next.Sign(h.signer); err != nil {
		return err
	}
	if err := h.client.store.Put(ctx, next); err != nil {
		return err
	}
	h.doc = next
	return nil
}
