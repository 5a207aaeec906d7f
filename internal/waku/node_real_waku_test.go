//go:build real_waku

package waku

import (
	"context"
	"strings"
	"testing"
	"time"

	"seedvault/go-backend/internal/docstore"
)

func TestGoWakuDocumentRelayAndStoreRetrieval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	nodeA := startRealWakuNode(t, ctx, nil)
	bootstrap := firstLoopbackAddr(nodeA.ListenAddresses())
	if bootstrap == "" {
		t.Skip("no loopback listen address for node A")
	}
	nodeB := startRealWakuNode(t, ctx, []string{bootstrap})
	waitForPeerCountAtLeast(t, nodeB, 1, 10*time.Second)

	signer := newTestSigner(t, "real-waku-seed")
	h, err := docstore.NewClient(nodeA).DeterministicResolve(ctx, "masterSeed", "v1", signer)
	if err != nil {
		t.Fatalf("resolve on A failed: %v", err)
	}
	if err := h.Update(ctx, map[string]any{"authenticators": map[string]string{"A": "p1"}}); err != nil {
		t.Fatalf("update on A failed: %v", err)
	}

	deadline := time.Now().Add(12 * time.Second)
	for {
		doc, ok, err := nodeB.Get(ctx, h.Address())
		if err == nil && ok && doc.Revision == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("node B did not observe revision 2: ok=%v err=%v", ok, err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	nodeC := startRealWakuNode(t, ctx, []string{bootstrap})
	doc, ok, err := nodeC.Get(ctx, h.Address())
	if err != nil {
		t.Fatalf("late joiner fetch failed: %v", err)
	}
	if !ok || doc.Revision != 2 {
		t.Fatalf("late joiner must recover the newest revision via store, ok=%v rev=%d", ok, doc.Revision)
	}
}

func waitForPeerCountAtLeast(t *testing.T, n *Node, minPeers int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if n.Status().PeerCount >= minPeers {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for peer count >= %d, got %d", minPeers, n.Status().PeerCount)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func startRealWakuNode(t *testing.T, ctx context.Context, bootstrapNodes []string) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Transport = TransportGoWaku
	cfg.Port = 0
	cfg.BootstrapNodes = append([]string(nil), bootstrapNodes...)
	node := NewNode(cfg)
	if err := node.Start(ctx); err != nil {
		t.Fatalf("start node failed: %v", err)
	}
	t.Cleanup(func() { _ = node.Stop(context.Background()) })
	return node
}

func firstLoopbackAddr(addrs []string) string {
	for _, addr := range addrs {
		if strings.Contains(addr, "/p2p/") && strings.Contains(addr, "/tcp/") && strings.Contains(addr, "/127.0.0.1/") {
			return addr
		}
	}
	for _, addr := range addrs {
		if strings.Contains(addr, "/p2p/") && strings.Contains(addr, "/tcp/") {
			return addr
		}
	}
	return ""
}
