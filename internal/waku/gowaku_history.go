//go:build real_waku

package waku

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"seedvault/go-backend/internal/docstore"

	ma "github.com/multiformats/go-multiaddr"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
)

// historyPeer is one place to send a store query. A nil addr lets go-waku
// pick a store peer itself.
type historyPeer struct {
	label string
	addr  ma.Multiaddr
}

// Fetch returns the newest verified revision of address seen on relay or
// in store history. When every store query fails, a relay-observed
// revision is still returned.
func (g *goWakuNode) Fetch(ctx context.Context, address string) (docstore.Document, bool, error) {
	node := g.running()
	if node == nil {
		return docstore.Document{}, false, errNodeNotStarted
	}
	best, found := g.recall(address)

	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()
	if !cfg.EnableStore && len(cfg.BootstrapNodes) == 0 {
		return best, found, nil
	}

	now := time.Now()
	start, end := now.Add(-cfg.HistoryWindow).UnixNano(), now.UnixNano()
	query := legacyStore.Query{
		PubsubTopic:   documentPubsubTopic,
		ContentTopics: []string{documentContentTopic},
		StartTime:     &start,
		EndTime:       &end,
	}

	result, err := g.queryHistory(ctx, node, query, historyPeers(cfg))
	if err != nil {
		if found {
			return best, true, nil
		}
		return docstore.Document{}, false, err
	}
	for {
		for _, msg := range result.Messages {
			if msg == nil {
				continue
			}
			if doc, ok := decodeDocument(msg.Payload, address); ok && (!found || newer(doc, best)) {
				best, found = doc, true
			}
		}
		if result.IsComplete() {
			break
		}
		if result, err = node.LegacyStore().Next(ctx, result); err != nil {
			return docstore.Document{}, false, err
		}
	}
	if found {
		g.remember(best)
	}
	return best, found, nil
}

// historyPeers lists up to StoreQueryFanout distinct bootstrap nodes
// followed by automatic peer selection. Without failover only the first
// candidate is tried.
func historyPeers(cfg Config) []historyPeer {
	var peers []historyPeer
	seen := make(map[string]struct{})
	for _, raw := range cfg.BootstrapNodes {
		if len(peers) >= cfg.StoreQueryFanout {
			break
		}
		raw = strings.TrimSpace(raw)
		if _, dup := seen[raw]; dup || raw == "" {
			continue
		}
		seen[raw] = struct{}{}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			continue
		}
		peers = append(peers, historyPeer{label: raw, addr: addr})
	}
	peers = append(peers, historyPeer{label: "auto"})
	if !cfg.FailoverV1 {
		peers = peers[:1]
	}
	return peers
}

func (g *goWakuNode) queryHistory(ctx context.Context, node *wakuNode.WakuNode, query legacyStore.Query, peers []historyPeer) (*legacyStore.Result, error) {
	g.mu.RLock()
	limit := g.cfg.StoreQueryLimit
	g.mu.RUnlock()

	var lastErr error
	for i, peer := range peers {
		opts := []legacyStore.HistoryRequestOption{legacyStore.WithPaging(true, uint64(limit))}
		if peer.addr != nil {
			opts = append(opts, legacyStore.WithPeerAddr(peer.addr))
		}
		result, err := node.LegacyStore().Query(ctx, query, opts...)
		if err == nil {
			if i > 0 {
				g.metrics.query("failover")
				slog.Info("history query recovered via failover", "component", "waku", "attempt", i+1)
			} else {
				g.metrics.query("ok")
			}
			return result, nil
		}
		g.metrics.query("failed")
		slog.Warn("history query attempt failed", "component", "waku", "peer_addr", peer.label, "attempt", i+1, "reason", err.Error())
		lastErr = err
	}
	return nil, lastErr
}
