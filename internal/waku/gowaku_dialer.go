//go:build real_waku

package waku

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

// dialer redials bootstrap nodes while the node has fewer peers than it
// wants, backing off with jitter after rounds that connect nothing.
type dialer struct {
	g      *goWakuNode
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}
}

func newDialer(g *goWakuNode, cfg Config) *dialer {
	return &dialer{g: g, cfg: cfg, done: make(chan struct{})}
}

func (d *dialer) start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.run(ctx)
}

func (d *dialer) stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

func (d *dialer) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.ReconnectInterval)
	defer ticker.Stop()

	b := backoff{
		base: d.cfg.ReconnectInterval,
		max:  d.cfg.ReconnectBackoffMax,
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	b.reset()
	var notBefore time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(notBefore) {
				continue
			}
			if !d.short() || d.redial(ctx) || !d.short() {
				b.reset()
				notBefore = time.Time{}
				continue
			}
			notBefore = now.Add(b.next())
		}
	}
}

// short reports whether the node is below its peer floor. With MinPeers
// unset the floor is two peers, or one when only one bootstrap node exists.
func (d *dialer) short() bool {
	node := d.g.running()
	if node == nil {
		return false
	}
	count := len(d.cfg.BootstrapNodes)
	target := d.cfg.MinPeers
	if target <= 0 {
		target = min(count, 2)
	}
	target = min(target, count)
	return node.PeerCount() < target
}

func (d *dialer) redial(ctx context.Context) bool {
	node := d.g.running()
	if node == nil {
		return false
	}
	addrs := append([]string(nil), d.cfg.BootstrapNodes...)
	rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })

	connected := false
	for i, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		err := node.DialPeer(ctx, addr)
		d.g.metrics.dial(err == nil)
		if err != nil {
			slog.Warn("peer redial failed", "component", "waku", "peer_addr", addr, "attempt", i+1, "reason", err.Error())
			continue
		}
		slog.Info("peer redial succeeded", "component", "waku", "peer_addr", addr, "attempt", i+1)
		connected = true
	}
	return connected
}

type backoff struct {
	base, max, cur time.Duration
	rnd            *rand.Rand
}

func (b *backoff) reset() { b.cur = b.base }

// next doubles the delay up to max and adds up to half of it again as
// jitter.
func (b *backoff) next() time.Duration {
	b.cur = min(2*b.cur, b.max)
	return b.cur + time.Duration(b.rnd.Int63n(int64(b.cur/2)+1))
}
