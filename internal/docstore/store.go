package docstore

import (
	"context"
	"crypto/ed25519"
	"sync"
)

// Signer produces signatures for one controller.
type Signer interface {
	ControllerID() string
	PublicKey() ed25519.PublicKey
	Sign(message []byte) ([]byte, error)
}

// Store is the document network collaborator. Implementations verify every
// write with CheckWrite and are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, address string) (Document, bool, error)
	Put(ctx context.Context, doc Document) error
	// Create stores doc unless its address is already taken, in which case
	// the stored revision is returned with created=false.
	Create(ctx context.Context, doc Document) (stored Document, created bool, err error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

func (s *MemoryStore) Get(ctx context.Context, address string) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[address]
	if !ok {
		return Document{}, false, nil
	}
	return doc.Clone(), true, nil
}

func (s *MemoryStore) Put(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing *Document
	if cur, ok := s.docs[doc.Address]; ok {
		existing = &cur
	}
	if err := CheckWrite(existing, doc); err != nil {
		return err
	}
	s.docs[doc.Address] = doc.Clone()
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, doc Document) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.docs[doc.Address]; ok {
		return cur.Clone(), false, nil
	}
	if err := CheckWrite(nil, doc); err != nil {
		return Document{}, false, err
	}
	s.docs[doc.Address] = doc.Clone()
	return doc.Clone(), true, nil
}

// Len reports the number of stored addresses.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
