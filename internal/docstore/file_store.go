package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"seedvault/go-backend/internal/securestore"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 10 * time.Millisecond

// FileStore keeps every document in one JSON snapshot, optionally sealed.
// The snapshot is re-read on every call and each read-modify-write holds an
// exclusive lock on a sidecar "<path>.lock" file, so separate processes
// sharing the file observe and keep each other's writes.
type FileStore struct {
	mu     sync.Mutex
	path   string
	lock   *flock.Flock
	sealer *securestore.Sealer
}

type fileSnapshot struct {
	Documents map[string]Document `json:"documents"`
}

func NewFileStore(path string, sealer *securestore.Sealer) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	s := &FileStore{path: path, lock: flock.New(path + ".lock"), sealer: sealer}
	err := s.locked(context.Background(), false, func() error {
		_, err := s.loadLocked()
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// locked runs fn holding the in-process mutex and the file lock, shared for
// reads and exclusive for writes.
func (s *FileStore) locked(ctx context.Context, exclusive bool, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acquire := s.lock.TryRLockContext
	if exclusive {
		acquire = s.lock.TryLockContext
	}
	ok, err := acquire(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock %s: %w", s.lock.Path(), err)
	}
	if !ok {
		return fmt.Errorf("lock %s: not acquired", s.lock.Path())
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *FileStore) Get(ctx context.Context, address string) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, false, err
	}
	var (
		doc Document
		ok  bool
	)
	err := s.locked(ctx, false, func() error {
		docs, err := s.loadLocked()
		if err != nil {
			return err
		}
		doc, ok = docs[address]
		return nil
	})
	if err != nil {
		return Document{}, false, err
	}
	return doc, ok, nil
}

func (s *FileStore) Put(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.locked(ctx, true, func() error {
		docs, err := s.loadLocked()
		if err != nil {
			return err
		}
		var existing *Document
		if cur, ok := docs[doc.Address]; ok {
			existing = &cur
		}
		if err := CheckWrite(existing, doc); err != nil {
			return err
		}
		docs[doc.Address] = doc.Clone()
		return s.persistSnapshotLocked(docs)
	})
}

func (s *FileStore) Create(ctx context.Context, doc Document) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, false, err
	}
	var (
		stored  Document
		created bool
	)
	err := s.locked(ctx, true, func() error {
		docs, err := s.loadLocked()
		if err != nil {
			return err
		}
		if cur, ok := docs[doc.Address]; ok {
			stored = cur
			return nil
		}
		if err := CheckWrite(nil, doc); err != nil {
			return err
		}
		docs[doc.Address] = doc.Clone()
		if err := s.persistSnapshotLocked(docs); err != nil {
			return err
		}
		stored, created = doc.Clone(), true
		return nil
	})
	if err != nil {
		return Document{}, false, err
	}
	return stored, created, nil
}

func (s *FileStore) loadLocked() (map[string]Document, error) {
	docs := make(map[string]Document)
	data, err := securestore.ReadFile(s.path, s.sealer)
	if err != nil {
		if os.IsNotExist(err) {
			return docs, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return docs, nil
	}
	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	for addr, doc := range snapshot.Documents {
		docs[addr] = doc
	}
	return docs, nil
}

func (s *FileStore) persistSnapshotLocked(docs map[string]Document) error {
	return securestore.WriteJSON(s.path, s.sealer, fileSnapshot{Documents: docs})
}
