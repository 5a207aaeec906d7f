package waku

import (
	"context"
	"time"
)

var (
	watchInterval     = time.Second
	handshakeInterval = 200 * time.Millisecond
)

// watcher follows the go-waku peer count after Start and flips the node
// between connected and degraded.
type watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (n *Node) startWatch() {
	n.stopWatch()

	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{cancel: cancel, done: make(chan struct{})}
	n.mu.Lock()
	n.watch = w
	n.mu.Unlock()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			n.observePeers()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (n *Node) stopWatch() {
	n.mu.Lock()
	w := n.watch
	n.watch = nil
	n.mu.Unlock()
	if w != nil {
		w.cancel()
		<-w.done
	}
}

func (n *Node) observePeers() {
	n.mu.RLock()
	remote := n.remote
	n.mu.RUnlock()
	if remote == nil {
		return
	}
	peers := remote.PeerCount()
	next := StateConnected
	if peers <= 0 {
		next = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != next || n.status.PeerCount != peers {
		n.transitionLocked(next)
		n.status.PeerCount = peers
		n.status.LastSync = time.Now()
	}
}

// awaitPeers polls until the transport reaches the config's peer target or
// the handshake window closes. Running out of time is not an error; the
// caller starts degraded.
func awaitPeers(ctx context.Context, remote transport, cfg Config) (int, error) {
	target := cfg.peerTarget()
	if peers := remote.PeerCount(); peers >= target {
		return peers, nil
	}

	deadline := time.NewTimer(cfg.handshakeWait())
	defer deadline.Stop()
	ticker := time.NewTicker(handshakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return remote.PeerCount(), ctx.Err()
		case <-deadline.C:
			return remote.PeerCount(), nil
		case <-ticker.C:
			if peers := remote.PeerCount(); peers >= target {
				return peers, nil
			}
		}
	}
}

func stateFor(peers, target int) State {
	if peers >= target {
		return StateConnected
	}
	return StateDegraded
}
