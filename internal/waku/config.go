package waku

import "time"

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"
)

// Config selects the document transport. Only the go-waku transport
// looks at the relay, store and peer settings.
type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         bool          `yaml:"enableRelay"`
	EnableStore         bool          `yaml:"enableStore"`
	EnableFilter        bool          `yaml:"enableFilter"`
	EnableLightPush     bool          `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	FailoverV1          bool          `yaml:"failoverV1"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	StoreQueryLimit     int           `yaml:"storeQueryLimit"`
	HistoryWindow       time.Duration `yaml:"historyWindow"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		EnableRelay:         true,
		EnableStore:         true,
		EnableFilter:        true,
		EnableLightPush:     true,
		FailoverV1:          true,
		MinPeers:            2,
		StoreQueryFanout:    3,
		StoreQueryLimit:     100,
		HistoryWindow:       30 * 24 * time.Hour,
		ReconnectInterval:   time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

// withDefaults fills zero or out-of-range settings from DefaultConfig.
// Feature toggles and bootstrap nodes are left as given.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Transport == "" {
		c.Transport = def.Transport
	}
	if c.StoreQueryFanout <= 0 {
		c.StoreQueryFanout = def.StoreQueryFanout
	}
	if c.StoreQueryLimit <= 0 {
		c.StoreQueryLimit = def.StoreQueryLimit
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = def.HistoryWindow
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.ReconnectBackoffMax < c.ReconnectInterval {
		c.ReconnectBackoffMax = max(def.ReconnectBackoffMax, c.ReconnectInterval)
	}
	c.MinPeers = max(c.MinPeers, 0)
	return c
}

// peerTarget is how many peers a node wants before it reports itself
// connected. It never asks for more peers than there are bootstrap nodes.
func (c Config) peerTarget() int {
	target := max(c.MinPeers, 1)
	if n := len(c.BootstrapNodes); n > 0 {
		target = min(target, n)
	}
	return target
}

// handshakeWait bounds how long Start waits for peerTarget peers.
func (c Config) handshakeWait() time.Duration {
	wait := max(5*c.ReconnectInterval, 2*time.Second)
	if c.ReconnectBackoffMax > 0 {
		wait = min(wait, c.ReconnectBackoffMax)
	}
	return wait
}
