package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"seedvault/go-backend/internal/identity"
	"seedvault/go-backend/internal/securestore"
	"seedvault/go-backend/internal/testutil/fsperm"
)

func newTestSigner(t *testing.T, seed string) *identity.Signer {
	t.Helper()
	keys, err := identity.DeriveKeys([]byte(seed))
	if err != nil {
		t.Fatalf("derive keys failed: %v", err)
	}
	ident, err := keys.Identity()
	if err != nil {
		t.Fatalf("identity failed: %v", err)
	}
	signer, err := identity.NewSigner(ident.ID, keys)
	if err != nil {
		t.Fatalf("new signer failed: %v", err)
	}
	return signer
}

func TestAddressIsPureFunction(t *testing.T) {
	a := Address("masterSeed", "v1", "did:seedvault:zabc")
	b := Address("masterSeed", "v1", "did:seedvault:zabc")
	if a != b {
		t.Fatalf("address must be stable: %s != %s", a, b)
	}
	if a == Address("masterSeed", "v2", "did:seedvault:zabc") {
		t.Fatal("tag must change the address")
	}
	if Address("ab", "c", "x") == Address("a", "bc", "x") {
		t.Fatal("field boundaries must be unambiguous")
	}
}

func TestDeterministicResolveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := NewClient(store)
	signer := newTestSigner(t, "seed-a")

	h1, err := client.DeterministicResolve(ctx, "masterSeed", "v1", signer, WithGenesis(map[string]any{"authenticators": map[string]string{}}))
	if err != nil {
		t.Fatalf("resolve 1 failed: %v", err)
	}
	if err := h1.Update(ctx, map[string]any{"marker": "x"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	h2, err := client.DeterministicResolve(ctx, "masterSeed", "v1", signer)
	if err != nil {
		t.Fatalf("resolve 2 failed: %v", err)
	}
	if h1.Address() != h2.Address() {
		t.Fatal("resolve must return the same address")
	}
	if store.Len() != 1 {
		t.Fatalf("expected one stored document, got %d", store.Len())
	}
	var content map[string]any
	if err := h2.Content(&content); err != nil {
		t.Fatalf("content failed: %v", err)
	}
	if content["marker"] != "x" {
		t.Fatalf("second resolve must not reset content: %v", content)
	}
	if got := h2.Controllers(); len(got) != 1 || got[0] != signer.ControllerID() {
		t.Fatalf("unexpected controllers: %v", got)
	}
}

func TestUpdateShallowMergeAndDelete(t *testing.T) {
	ctx := context.Background()
	client := NewClient(NewMemoryStore())
	h, err := client.DeterministicResolve(ctx, "masterSeed", "v1", newTestSigner(t, "seed-a"))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := h.Update(ctx, map[string]any{"a": 1, "b": map[string]string{"x": "y"}}); err != nil {
		t.Fatalf("update 1 failed: %v", err)
	}
	if err := h.Update(ctx, map[string]any{"a": nil, "c": "z"}); err != nil {
		t.Fatalf("update 2 failed: %v", err)
	}
	if h.Revision() != 3 {
		t.Fatalf("expected revision 3, got %d", h.Revision())
	}
	var content map[string]any
	if err := h.Content(&content); err != nil {
		t.Fatalf("content failed: %v", err)
	}
	if _, ok := content["a"]; ok {
		t.Fatal("nil patch value must delete the key")
	}
	if content["c"] != "z" || content["b"] == nil {
		t.Fatalf("unexpected merged content: %v", content)
	}
}

func TestReadDoesNotCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := NewClient(store)
	_, ok, err := client.Read(ctx, "masterSeed", "v1", "did:seedvault:zmissing")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ok || store.Len() != 0 {
		t.Fatal("read must not create documents")
	}
}

func TestStoreRejectsForgedWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := NewClient(store)
	owner := newTestSigner(t, "owner")
	h, err := client.DeterministicResolve(ctx, "masterSeed", "v1", owner)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	tampered := h.Snapshot()
	tampered.Content = []byte(`{"evil":true}`)
	if err := store.Put(ctx, tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	intruder := newTestSigner(t, "intruder")
	forged := h.Snapshot()
	forged.Revision++
	if err := forged.Sign(intruder); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := store.Put(ctx, forged); !errors.Is(err, ErrControllerMismatch) {
		t.Fatalf("expected ErrControllerMismatch, got %v", err)
	}

	moved := h.Snapshot()
	moved.Tag = "v2"
	if err := moved.Sign(owner); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := store.Put(ctx, moved); !errors.Is(err, ErrAddressMismatch) {
		t.Fatalf("expected ErrAddressMismatch, got %v", err)
	}
}

func TestLastWriterWins(t *testing.T) {
	ctx := context.Background()
	client := NewClient(NewMemoryStore())
	signer := newTestSigner(t, "seed-a")
	a, err := client.DeterministicResolve(ctx, "masterSeed", "v1", signer)
	if err != nil {
		t.Fatalf("resolve a failed: %v", err)
	}
	b, err := client.DeterministicResolve(ctx, "masterSeed", "v1", signer)
	if err != nil {
		t.Fatalf("resolve b failed: %v", err)
	}
	if err := a.Update(ctx, map[string]any{"from": "a"}); err != nil {
		t.Fatalf("update a failed: %v", err)
	}
	if err := b.Update(ctx, map[string]any{"other": "b"}); err != nil {
		t.Fatalf("stale update b must still be accepted: %v", err)
	}
	if err := a.Refresh(ctx); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	var content map[string]any
	if err := a.Content(&content); err != nil {
		t.Fatalf("content failed: %v", err)
	}
	if _, ok := content["from"]; ok {
		t.Fatalf("stale writer should have replaced content: %v", content)
	}
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "docs.json")
	sealer, err := securestore.NewSealer("pass", securestore.Params{Time: 1, MemoryKB: 64, Threads: 1})
	if err != nil {
		t.Fatalf("new sealer failed: %v", err)
	}
	store1, err := NewFileStore(path, sealer)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	client1 := newClientWithClock(store1, func() time.Time { return now })
	signer := newTestSigner(t, "seed-a")
	h, err := client1.DeterministicResolve(ctx, "keychain", "v1", signer)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := h.Replace(ctx, map[string]any{"entries": []string{"<A&B>"}}); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	fsperm.AssertPrivateFilePerm(t, path)

	store2, err := NewFileStore(path, sealer)
	if err != nil {
		t.Fatalf("reopen file store failed: %v", err)
	}
	raw, ok, err := NewClient(store2).Read(ctx, "keychain", "v1", signer.ControllerID())
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !ok {
		t.Fatal("expected document after reopen")
	}
	var content struct {
		Entries []string `json:"entries"`
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		t.Fatalf("decode content failed: %v", err)
	}
	if len(content.Entries) != 1 || content.Entries[0] != "<A&B>" {
		t.Fatalf("unexpected content: %s", raw)
	}

	if _, err := NewFileStore(path, nil); !errors.Is(err, securestore.ErrNoPassphrase) {
		t.Fatalf("expected ErrNoPassphrase without sealer, got %v", err)
	}
}

func TestFileStoreInstancesKeepEachOthersWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "docs.json")
	stores := make([]*FileStore, 2)
	for i := range stores {
		store, err := NewFileStore(path, nil)
		if err != nil {
			t.Fatalf("new file store %d failed: %v", i, err)
		}
		stores[i] = store
	}

	const writers = 40
	signers := make([]*identity.Signer, writers)
	for i := range signers {
		signers[i] = newTestSigner(t, fmt.Sprintf("writer-%d", i))
	}
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i, signer := range signers {
		wg.Add(1)
		go func(store *FileStore, signer *identity.Signer) {
			defer wg.Done()
			if _, err := NewClient(store).DeterministicResolve(ctx, "keychain", "v1", signer); err != nil {
				errs <- err
			}
		}(stores[i%len(stores)], signer)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("resolve failed: %v", err)
	}

	reopened, err := NewFileStore(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	for i, signer := range signers {
		if _, ok, err := reopened.Get(ctx, Address("keychain", "v1", signer.ControllerID())); err != nil || !ok {
			t.Fatalf("document of writer %d lost: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestSignedContentKeepsFieldOrderAndSurvivesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	signer := newTestSigner(t, "order-seed")
	h, err := NewClient(store).DeterministicResolve(ctx, "masterSeed", "v1", signer)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	content := struct {
		Zeta  string `json:"zeta"`
		Alpha string `json:"alpha"`
	}{Zeta: "<z>", Alpha: "a"}
	if err := h.Replace(ctx, content); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	doc := h.Snapshot()
	if got, want := string(doc.Content), `{"zeta":"\u003cz\u003e","alpha":"a"}`; got != want {
		t.Fatalf("content must be compacted in field order: got %s want %s", got, want)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded Document
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if err := decoded.Verify(); err != nil {
		t.Fatalf("signature must survive a json round trip: %v", err)
	}
}
