package waku

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"seedvault/go-backend/internal/docstore"
	"seedvault/go-backend/internal/identity"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNodeLifecycle(t *testing.T) {
	n := NewNode(DefaultConfig(), WithLedger(NewLedger()))
	initial := n.Status()
	if initial.State != StateDisconnected {
		t.Fatalf("expected disconnected initially, got %s", initial.State)
	}

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	started := n.Status()
	if started.State != StateConnected {
		t.Fatalf("expected connected after start, got %s", started.State)
	}
	if started.PeerCount <= 0 {
		t.Fatalf("expected peer count > 0, got %d", started.PeerCount)
	}

	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	stopped := n.Status()
	if stopped.State != StateDisconnected {
		t.Fatalf("expected disconnected after stop, got %s", stopped.State)
	}
}

func TestNodeRejectsTrafficWhenDisconnected(t *testing.T) {
	n := NewNode(DefaultConfig(), WithLedger(NewLedger()))
	if _, _, err := n.Get(context.Background(), "doc1x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := n.Put(context.Background(), docstore.Document{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestMockNodesShareLedger(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger()
	a := startMockNode(t, ledger)
	b := startMockNode(t, ledger)

	signer := newTestSigner(t, "waku-seed")
	h, err := docstore.NewClient(a).DeterministicResolve(ctx, "masterSeed", "v1", signer)
	if err != nil {
		t.Fatalf("resolve on a failed: %v", err)
	}
	if err := h.Update(ctx, map[string]any{"authenticators": map[string]string{"A": "p1"}}); err != nil {
		t.Fatalf("update on a failed: %v", err)
	}

	hb, err := docstore.NewClient(b).DeterministicResolve(ctx, "masterSeed", "v1", signer)
	if err != nil {
		t.Fatalf("resolve on b failed: %v", err)
	}
	if hb.Revision() != 2 {
		t.Fatalf("b must observe a's revision, got %d", hb.Revision())
	}
	if got := ledger.Revisions(h.Address()); got != 2 {
		t.Fatalf("expected 2 ledger revisions, got %d", got)
	}

	forged := hb.Snapshot()
	forged.Revision++
	if err := forged.Sign(newTestSigner(t, "intruder")); err != nil {
		t.Fatalf("sign forged failed: %v", err)
	}
	if err := b.Put(ctx, forged); !errors.Is(err, docstore.ErrControllerMismatch) {
		t.Fatalf("expected ErrControllerMismatch, got %v", err)
	}
}

func TestMockNodesWithoutSharedLedgerAreIsolated(t *testing.T) {
	ctx := context.Background()
	a := startMockNode(t, nil)
	b := startMockNode(t, nil)

	signer := newTestSigner(t, "isolated-seed")
	h, err := docstore.NewClient(a).DeterministicResolve(ctx, "masterSeed", "v1", signer)
	if err != nil {
		t.Fatalf("resolve on a failed: %v", err)
	}
	if _, ok, err := b.Get(ctx, h.Address()); err != nil || ok {
		t.Fatalf("b must not see a's document without a shared ledger: ok=%v err=%v", ok, err)
	}
}

func TestNodeLifecycleGoWaku(t *testing.T) {
	if os.Getenv("SEEDVAULT_RUN_REAL_WAKU_TESTS") != "true" {
		t.Skip("set SEEDVAULT_RUN_REAL_WAKU_TESTS=true to run go-waku lifecycle test")
	}
	if newGoWakuBackend() == nil {
		t.Skip("go-waku backend is not enabled in this build")
	}

	cfg := DefaultConfig()
	cfg.Transport = TransportGoWaku
	cfg.Port = 0
	cfg.BootstrapNodes = nil

	n := NewNode(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("go-waku start failed: %v", err)
	}
	started := n.Status()
	if started.State != StateConnected && started.State != StateDegraded {
		t.Fatalf("expected connected/degraded after go-waku start, got %s", started.State)
	}
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("go-waku stop failed: %v", err)
	}
}

func TestNodeRoutesThroughBackend(t *testing.T) {
	ctx := context.Background()
	backend := &fakeTransport{peerCount: 1, docs: map[string]docstore.Document{}}
	n := NewNode(Config{Transport: TransportGoWaku})
	n.mu.Lock()
	n.remote = backend
	n.status.State = StateConnected
	n.mu.Unlock()

	signer := newTestSigner(t, "backend-seed")
	h, err := docstore.NewClient(n).DeterministicResolve(ctx, "keychain", "v1", signer)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := h.Replace(ctx, map[string]any{"entries": []any{}}); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if backend.published != 2 {
		t.Fatalf("expected 2 publishes, got %d", backend.published)
	}
	got, ok, err := n.Get(ctx, h.Address())
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if got.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", got.Revision)
	}
}

func TestNodeWatchFlipsStateByPeerCount(t *testing.T) {
	prev := watchInterval
	watchInterval = 20 * time.Millisecond
	defer func() { watchInterval = prev }()

	backend := &fakeTransport{peerCount: 1}
	n := NewNode(Config{Transport: TransportGoWaku})
	n.mu.Lock()
	n.remote = backend
	n.status.State = StateConnected
	n.status.PeerCount = 1
	n.mu.Unlock()
	n.startWatch()
	defer n.stopWatch()

	waitForState(t, n, StateConnected, 300*time.Millisecond)
	backend.setPeerCount(0)
	waitForState(t, n, StateDegraded, 500*time.Millisecond)
	backend.setPeerCount(2)
	waitForState(t, n, StateConnected, 500*time.Millisecond)
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{
		MinPeers:            -1,
		ReconnectBackoffMax: 10 * time.Millisecond,
	}.withDefaults()

	if cfg.Transport != TransportMock {
		t.Fatalf("transport must default to mock, got %q", cfg.Transport)
	}
	if cfg.MinPeers != 0 {
		t.Fatalf("expected negative minPeers to clamp to 0, got %d", cfg.MinPeers)
	}
	if cfg.StoreQueryFanout <= 0 || cfg.StoreQueryLimit <= 0 {
		t.Fatalf("store query settings must be > 0, got fanout=%d limit=%d", cfg.StoreQueryFanout, cfg.StoreQueryLimit)
	}
	if cfg.HistoryWindow <= 0 {
		t.Fatalf("historyWindow must be > 0, got %s", cfg.HistoryWindow)
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		t.Fatalf("reconnectBackoffMax must be >= reconnectInterval, got max=%s interval=%s", cfg.ReconnectBackoffMax, cfg.ReconnectInterval)
	}
}

func TestPeerTargetAndState(t *testing.T) {
	if got := (Config{}).peerTarget(); got != 1 {
		t.Fatalf("expected default target=1, got %d", got)
	}
	cfg := Config{MinPeers: 3, BootstrapNodes: []string{"a", "b"}}
	if got := cfg.peerTarget(); got != 2 {
		t.Fatalf("expected target capped by bootstrap size to 2, got %d", got)
	}
	if got := stateFor(2, cfg.peerTarget()); got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if got := stateFor(0, cfg.peerTarget()); got != StateDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
}

func TestAwaitPeersTimesOutWithoutError(t *testing.T) {
	backend := &fakeTransport{peerCount: 0}
	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	cfg := Config{
		MinPeers:            2,
		ReconnectInterval:   50 * time.Millisecond,
		ReconnectBackoffMax: 200 * time.Millisecond,
	}
	got, err := awaitPeers(ctx, backend, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected peer count=0 after timeout, got %d", got)
	}
}

func TestNodeMetricsCountTransitionsAndDocuments(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := NewNode(DefaultConfig(), WithLedger(NewLedger()), WithMetrics(NewMetrics(reg)))
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer func() { _ = n.Stop(context.Background()) }()

	signer := newTestSigner(t, "metrics-seed")
	h, err := docstore.NewClient(n).DeterministicResolve(context.Background(), "keychain", "v1", signer)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := h.Replace(context.Background(), map[string]any{"entries": []any{}}); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	counts := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "|" + l.GetValue()
			}
			counts[key] = m.GetCounter().GetValue()
		}
	}
	if got := counts["seedvault_network_documents_total|out|mock"]; got != 2 {
		t.Fatalf("expected 2 outbound documents, got %v (%v)", got, counts)
	}
	if counts["seedvault_network_state_transitions_total|connected"] != 1 {
		t.Fatalf("expected one transition to connected, got %v", counts)
	}
}

// startMockNode starts a mock-transport node; a nil ledger leaves the node
// with its own.
func startMockNode(t *testing.T, ledger *Ledger) *Node {
	t.Helper()
	var opts []Option
	if ledger != nil {
		opts = append(opts, WithLedger(ledger))
	}
	n := NewNode(DefaultConfig(), opts...)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n
}

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
		t.Fatalf("signer failed: %v", err)
	}
	return signer
}

func waitForState(t *testing.T, n *Node, expected State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if n.Status().State == expected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state=%s, got=%s", expected, n.Status().State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeTransport struct {
	mu        sync.RWMutex
	peerCount int
	docs      map[string]docstore.Document
	published int
}

func (f *fakeTransport) Start(context.Context, Config, *Metrics) error { return nil }
func (f *fakeTransport) Stop()                                          {}
func (f *fakeTransport) ListenAddresses() []string                      { return nil }

func (f *fakeTransport) Publish(_ context.Context, doc docstore.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.Address] = doc.Clone()
	f.published++
	return nil
}

func (f *fakeTransport) Fetch(_ context.Context, address string) (docstore.Document, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	doc, ok := f.docs[address]
	return doc, ok, nil
}

func (f *fakeTransport) PeerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.peerCount
}

func (f *fakeTransport) setPeerCount(v int) {
	f.mu.Lock()
	f.peerCount = v
	f.mu.Unlock()
}
