package diagnostics

import (
	"context"
	"fmt"
	"net"
	"time"

	"seedvault/go-backend/internal/bootstrap/vaultconfig"
	"seedvault/go-backend/internal/docstore"
	"seedvault/go-backend/internal/waku"
)

type Check struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

type Report struct {
	Ready     bool      `json:"ready"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// OpenStore opens the configured store for probing and returns its release func.
type OpenStore func(ctx context.Context, cfg vaultconfig.Config) (docstore.Store, func(context.Context) error, error)

type statusReporter interface {
	Status() waku.Status
}

// Doctor checks whether a vault configuration can serve requests.
type Doctor struct {
	now       func() time.Time
	checkPort func(port int) error
}

func New() *Doctor {
	return &Doctor{now: time.Now, checkPort: checkPortAvailable}
}

var probeAddress = docstore.Address("diagnostics", "probe", "doctor")

func (d *Doctor) Run(ctx context.Context, cfg vaultconfig.Config, open OpenStore) Report {
	report := Report{
		Ready:     true,
		Checks:    make([]Check, 0, 8),
		CheckedAt: d.now().UTC(),
	}
	appendCheck := func(name string, pass bool, reason string) {
		report.Checks = append(report.Checks, Check{Name: name, Pass: pass, Reason: reason})
		if !pass {
			report.Ready = false
		}
	}

	if err := cfg.Validate(); err != nil {
		appendCheck("config_valid", false, err.Error())
		return report
	}
	appendCheck("config_valid", true, "")

	if cfg.Store.Backend == vaultconfig.BackendFile {
		sealed := cfg.Store.Passphrase != ""
		appendCheck("store_sealed", sealed, failReason(!sealed, "file store is written in plaintext"))
	}

	goWaku := cfg.Store.Backend == vaultconfig.BackendNetwork && cfg.Network.Transport == waku.TransportGoWaku
	if goWaku {
		portValid := cfg.Network.Port >= 1 && cfg.Network.Port <= 65535
		appendCheck("listen_port_valid", portValid, failReason(!portValid, "listen port must be in [1..65535]"))
		if portValid {
			if err := d.checkPort(cfg.Network.Port); err != nil {
				appendCheck("listen_port_available", false, err.Error())
			} else {
				appendCheck("listen_port_available", true, "")
			}
		}
	}

	store, release, err := open(ctx, cfg)
	if err != nil {
		appendCheck("store_open", false, err.Error())
		return report
	}
	defer func() { _ = release(ctx) }()
	appendCheck("store_open", true, "")

	if _, _, err := store.Get(ctx, probeAddress); err != nil {
		appendCheck("store_reachable", false, err.Error())
	} else {
		appendCheck("store_reachable", true, "")
	}

	if reporter, ok := store.(statusReporter); ok && goWaku {
		peers := reporter.Status().PeerCount
		minPeers := max(cfg.Network.MinPeers, 1)
		appendCheck("peer_count_min", peers >= minPeers,
			failReason(peers < minPeers, fmt.Sprintf("peer_count=%d < min_peers=%d", peers, minPeers)))
	}
	return report
}

func failReason(failed bool, reason string) string {
	if !failed {
		return ""
	}
	return reason
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("port %d is unavailable: %w", port, err)
	}
	_ = ln.Close()
	return nil
}
