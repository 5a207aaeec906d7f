package waku

import (
	"errors"
	"sync"

	"seedvault/go-backend/internal/docstore"
)

var errAddressTaken = errors.New("address already has a document")

// Ledger is the mock transport's history of published revisions. Nodes
// see each other's documents only when they are given the same Ledger.
type Ledger struct {
	mu      sync.Mutex
	history map[string][]docstore.Document
}

func NewLedger() *Ledger {
	return &Ledger{history: make(map[string][]docstore.Document)}
}

func (l *Ledger) append(doc docstore.Document, onlyIfAbsent bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	revisions := l.history[doc.Address]
	var existing *docstore.Document
	if len(revisions) > 0 {
		if onlyIfAbsent {
			return errAddressTaken
		}
		existing = &revisions[len(revisions)-1]
	}
	if err := docstore.CheckWrite(existing, doc); err != nil {
		return err
	}
	l.history[doc.Address] = append(revisions, doc.Clone())
	return nil
}

func (l *Ledger) latest(address string) (docstore.Document, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	revisions := l.history[address]
	if len(revisions) == 0 {
		return docstore.Document{}, false
	}
	return revisions[len(revisions)-1].Clone(), true
}

// Revisions reports how many writes an address has received.
func (l *Ledger) Revisions(address string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history[address])
}
