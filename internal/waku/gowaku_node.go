//go:build real_waku

package waku

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"seedvault/go-backend/internal/docstore"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"
)

const (
	documentPubsubTopic  = "/waku/2/default-waku/proto"
	documentContentTopic = "/seedvault/1/documents/proto"
)

var errNodeNotStarted = errors.New("go-waku node is not running")

type goWakuNode struct {
	mu      sync.RWMutex
	node    *wakuNode.WakuNode
	cfg     Config
	metrics *Metrics
	// newest verified revision per address seen on relay or in history
	seen      map[string]docstore.Document
	stopRelay context.CancelFunc
	dialer    *dialer
}

func newGoWakuBackend() transport {
	return &goWakuNode{seen: make(map[string]docstore.Document)}
}

func (g *goWakuNode) Start(ctx context.Context, cfg Config, metrics *Metrics) error {
	opts, err := nodeOptions(cfg)
	if err != nil {
		return err
	}
	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	g.node = node
	g.cfg = cfg
	g.metrics = metrics
	g.mu.Unlock()

	for _, addr := range cfg.BootstrapNodes {
		g.metrics.dial(node.DialPeer(ctx, addr) == nil)
	}
	if cfg.EnableRelay {
		if err := g.subscribe(); err != nil {
			node.Stop()
			return err
		}
	}
	if cfg.FailoverV1 && len(cfg.BootstrapNodes) > 0 {
		d := newDialer(g, cfg)
		g.mu.Lock()
		g.dialer = d
		g.mu.Unlock()
		d.start()
	}
	return nil
}

func nodeOptions(cfg Config) ([]wakuNode.WakuNodeOption, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, err
	}
	opts := []wakuNode.WakuNodeOption{wakuNode.WithHostAddress(hostAddr)}
	if cfg.EnableRelay {
		opts = append(opts, wakuNode.WithWakuRelay())
	}
	if cfg.EnableStore {
		provider, err := memoryHistory()
		if err != nil {
			return nil, err
		}
		opts = append(opts, wakuNode.WithMessageProvider(provider), wakuNode.WithWakuStore())
	}
	if cfg.EnableFilter {
		opts = append(opts, wakuNode.WithWakuFilterLightNode(), wakuNode.WithWakuFilterFullNode())
	}
	if cfg.EnableLightPush {
		opts = append(opts, wakuNode.WithLightPush())
	}
	return opts, nil
}

// memoryHistory backs the store protocol with an in-memory sqlite
// database; history survives only as long as the process.
func memoryHistory() (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	return persistence.NewDBStore(
		prometheus.DefaultRegisterer,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}

func (g *goWakuNode) Stop() {
	g.mu.Lock()
	d := g.dialer
	g.dialer = nil
	g.mu.Unlock()
	if d != nil {
		d.stop()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopRelay != nil {
		g.stopRelay()
		g.stopRelay = nil
	}
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuNode) running() *wakuNode.WakuNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.node
}

func (g *goWakuNode) PeerCount() int {
	if node := g.running(); node != nil {
		return node.PeerCount()
	}
	return 0
}

func (g *goWakuNode) ListenAddresses() []string {
	node := g.running()
	if node == nil {
		return nil
	}
	var out []string
	for _, addr := range node.ListenAddresses() {
		out = append(out, addr.String())
	}
	return out
}

func (g *goWakuNode) subscribe() error {
	node := g.running()
	if node == nil {
		return errNodeNotStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	subs, err := node.Relay().Subscribe(ctx, protocol.NewContentFilter(documentPubsubTopic, documentContentTopic))
	if err != nil {
		cancel()
		return err
	}
	g.mu.Lock()
	g.stopRelay = cancel
	g.mu.Unlock()

	for _, sub := range subs {
		go g.consume(sub)
	}
	return nil
}

func (g *goWakuNode) consume(sub *relay.Subscription) {
	for env := range sub.Ch {
		if env == nil || env.Message() == nil {
			continue
		}
		doc, ok := decodeDocument(env.Message().Payload, "")
		if !ok {
			slog.Debug("dropped undecodable relay document", "component", "waku")
			continue
		}
		g.remember(doc)
		g.metrics.document(TransportGoWaku, "relay")
	}
}

func (g *goWakuNode) Publish(ctx context.Context, doc docstore.Document) error {
	node := g.running()
	if node == nil {
		return errNodeNotStarted
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	msg := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: documentContentTopic,
		Timestamp:    &ts,
	}
	if _, err := node.Relay().Publish(ctx, msg, relay.WithPubSubTopic(documentPubsubTopic)); err != nil {
		return err
	}
	g.remember(doc)
	return nil
}

func (g *goWakuNode) remember(doc docstore.Document) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.seen[doc.Address]; ok && !newer(doc, cur) {
		return
	}
	g.seen[doc.Address] = doc.Clone()
}

func (g *goWakuNode) recall(address string) (docstore.Document, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	doc, ok := g.seen[address]
	return doc.Clone(), ok
}

// decodeDocument accepts only payloads that verify; address filters to
// one document when non-empty.
func decodeDocument(payload []byte, address string) (docstore.Document, bool) {
	var doc docstore.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return docstore.Document{}, false
	}
	if address != "" && doc.Address != address {
		return docstore.Document{}, false
	}
	if doc.Verify() != nil {
		return docstore.Document{}, false
	}
	return doc, true
}

func newer(a, b docstore.Document) bool {
	if a.Revision != b.Revision {
		return a.Revision > b.Revision
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}
