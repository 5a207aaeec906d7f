package waku

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"seedvault/go-backend/internal/docstore"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
)

var (
	ErrNotConnected       = errors.New("waku not connected")
	ErrBackendUnavailable = errors.New("go-waku backend is not available in this build")
)

type Status struct {
	State     State
	PeerCount int
	LastSync  time.Time
}

// transport carries documents for the go-waku transport. The mock
// transport has none and reads the node's Ledger directly.
type transport interface {
	Start(ctx context.Context, cfg Config, metrics *Metrics) error
	Stop()
	PeerCount() int
	ListenAddresses() []string
	Publish(ctx context.Context, doc docstore.Document) error
	Fetch(ctx context.Context, address string) (docstore.Document, bool, error)
}

// Node is a docstore.Store whose documents travel over waku. The mock
// transport keeps them in a process-local Ledger.
type Node struct {
	mu      sync.RWMutex
	cfg     Config
	status  Status
	ledger  *Ledger
	remote  transport
	metrics *Metrics
	watch   *watcher
}

var _ docstore.Store = (*Node)(nil)

type Option func(*Node)

// WithLedger shares l between mock-transport nodes. Without it every node
// starts from an empty ledger of its own.
func WithLedger(l *Ledger) Option {
	return func(n *Node) { n.ledger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

func NewNode(cfg Config, opts ...Option) *Node {
	n := &Node{
		cfg:    cfg.withDefaults(),
		status: Status{State: StateDisconnected},
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.ledger == nil {
		n.ledger = NewLedger()
	}
	return n
}

func (n *Node) Start(ctx context.Context) error {
	n.setState(StateConnecting, 0)

	if n.cfg.Transport != TransportGoWaku {
		if err := ctx.Err(); err != nil {
			n.setState(StateDisconnected, 0)
			return err
		}
		n.setState(StateConnected, mockPeers(n.cfg))
		return nil
	}

	remote := newGoWakuBackend()
	if remote == nil {
		n.setState(StateDisconnected, 0)
		return ErrBackendUnavailable
	}
	if err := remote.Start(ctx, n.cfg, n.metrics); err != nil {
		n.setState(StateDisconnected, 0)
		return err
	}
	peers := remote.PeerCount()
	if n.cfg.FailoverV1 {
		var err error
		if peers, err = awaitPeers(ctx, remote, n.cfg); err != nil {
			remote.Stop()
			n.setState(StateDisconnected, 0)
			return err
		}
	}

	n.mu.Lock()
	n.remote = remote
	n.mu.Unlock()
	n.setState(stateFor(peers, n.cfg.peerTarget()), peers)
	n.startWatch()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopWatch()

	n.mu.Lock()
	remote := n.remote
	n.remote = nil
	n.mu.Unlock()
	if remote != nil {
		remote.Stop()
	}
	n.setState(StateDisconnected, 0)
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.remote != nil {
		s.PeerCount = n.remote.PeerCount()
	}
	return s
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.remote == nil {
		return nil
	}
	return n.remote.ListenAddresses()
}

func (n *Node) Get(ctx context.Context, address string) (docstore.Document, bool, error) {
	remote, err := n.link(ctx)
	if err != nil {
		return docstore.Document{}, false, err
	}
	if address == "" {
		return docstore.Document{}, false, fmt.Errorf("%w: empty address", docstore.ErrInvalidDocument)
	}
	if remote == nil {
		doc, ok := n.ledger.latest(address)
		return doc, ok, nil
	}
	doc, ok, err := remote.Fetch(ctx, address)
	if ok {
		n.metrics.document(n.cfg.Transport, "in")
	}
	return doc, ok, err
}

func (n *Node) Put(ctx context.Context, doc docstore.Document) error {
	remote, err := n.link(ctx)
	if err != nil {
		return err
	}
	if remote == nil {
		err = n.ledger.append(doc, false)
	} else {
		err = publishChecked(ctx, remote, doc)
	}
	if err != nil {
		return err
	}
	n.published()
	return nil
}

// Create publishes the genesis revision unless one is already visible. Over
// go-waku two creators can still race; the store keeps both and readers pick
// the newest.
func (n *Node) Create(ctx context.Context, doc docstore.Document) (docstore.Document, bool, error) {
	remote, err := n.link(ctx)
	if err != nil {
		return docstore.Document{}, false, err
	}
	if remote == nil {
		if err := n.ledger.append(doc, true); err != nil {
			if !errors.Is(err, errAddressTaken) {
				return docstore.Document{}, false, err
			}
			stored, _ := n.ledger.latest(doc.Address)
			return stored, false, nil
		}
		n.published()
		return doc.Clone(), true, nil
	}

	existing, ok, err := remote.Fetch(ctx, doc.Address)
	if err != nil {
		return docstore.Document{}, false, err
	}
	if ok {
		return existing, false, nil
	}
	if err := publishChecked(ctx, remote, doc); err != nil {
		return docstore.Document{}, false, err
	}
	n.published()
	return doc.Clone(), true, nil
}

// publishChecked applies the store's write rules against the newest
// revision the network has seen before publishing.
func publishChecked(ctx context.Context, remote transport, doc docstore.Document) error {
	existing, ok, err := remote.Fetch(ctx, doc.Address)
	if err != nil {
		return err
	}
	var prev *docstore.Document
	if ok {
		prev = &existing
	}
	if err := docstore.CheckWrite(prev, doc); err != nil {
		return err
	}
	return remote.Publish(ctx, doc)
}

// link returns the go-waku transport, or nil for the mock transport, once
// the node is usable.
func (n *Node) link(ctx context.Context) (transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	switch n.status.State {
	case StateConnected, StateDegraded:
		return n.remote, nil
	default:
		return nil, ErrNotConnected
	}
}

func (n *Node) published() {
	n.mu.Lock()
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	n.metrics.document(n.cfg.Transport, "out")
}

func (n *Node) setState(state State, peers int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionLocked(state)
	n.status.PeerCount = peers
	n.status.LastSync = time.Now()
}

func (n *Node) transitionLocked(next State) {
	if n.status.State == next {
		return
	}
	n.status.State = next
	n.metrics.transition(next)
}

// mockPeers reports one peer per configured bootstrap node, capped at 12.
func mockPeers(cfg Config) int {
	return max(1, min(len(cfg.BootstrapNodes), 12))
}
