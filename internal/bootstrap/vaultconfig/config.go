package vaultconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"seedvault/go-backend/internal/identity"
	"seedvault/go-backend/internal/waku"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendNetwork  = "network"

	SeedSourceAuthenticator = "authenticator"
	SeedSourceMnemonic      = "mnemonic"
)

var ErrInvalidConfig = errors.New("invalid vault config")

type Config struct {
	Store   StoreConfig
	Vault   VaultConfig
	Network waku.Config
	Log     LogConfig
}

type StoreConfig struct {
	Backend        string
	Path           string
	Passphrase     string
	PostgresDSN    string
	PostgresSchema string
	PostgresTable  string
}

type VaultConfig struct {
	DocumentTag       string
	KeychainVersion   string
	SeedSource        string
	KDF               identity.KDFParams
	AuthRatePerSecond float64
	AuthBurst         int
	AuthIdleTTL       time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// FileConfig mirrors the YAML layout. Pointers distinguish "unset" from zero.
type FileConfig struct {
	Store   FileStoreConfig   `yaml:"store"`
	Vault   FileVaultConfig   `yaml:"vault"`
	Network FileNetworkConfig `yaml:"network"`
	Log     LogConfig         `yaml:"log"`
}

type FileStoreConfig struct {
	Backend        string `yaml:"backend"`
	Path           string `yaml:"path"`
	PostgresDSN    string `yaml:"postgresDSN"`
	PostgresSchema string `yaml:"postgresSchema"`
	PostgresTable  string `yaml:"postgresTable"`
}

type FileVaultConfig struct {
	DocumentTag       string              `yaml:"documentTag"`
	KeychainVersion   string              `yaml:"keychainVersion"`
	SeedSource        string              `yaml:"seedSource"`
	KDF               *identity.KDFParams `yaml:"kdf"`
	AuthRatePerSecond *float64            `yaml:"authRatePerSecond"`
	AuthBurst         *int                `yaml:"authBurst"`
	AuthIdleTTL       time.Duration       `yaml:"authIdleTTL"`
}

type FileNetworkConfig struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	EnableStore         *bool         `yaml:"enableStore"`
	EnableFilter        *bool         `yaml:"enableFilter"`
	EnableLightPush     *bool         `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	FailoverV1          *bool         `yaml:"failoverV1"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	StoreQueryLimit     int           `yaml:"storeQueryLimit"`
	HistoryWindow       time.Duration `yaml:"historyWindow"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: BackendFile,
			Path:    "data/seedvault.json",
		},
		Vault: VaultConfig{
			DocumentTag:       "v1",
			KeychainVersion:   "v1",
			SeedSource:        SeedSourceAuthenticator,
			KDF:               identity.DefaultKDFParams(),
			AuthRatePerSecond: 0.5,
			AuthBurst:         5,
			AuthIdleTTL:       10 * time.Minute,
		},
		Network: waku.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromPath reads configPath, or the first readable default location when
// configPath is empty, then applies SEEDVAULT_* overrides. A missing default
// file is not an error; a missing or broken explicit file is.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/seedvault.yaml",
			"seedvault.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}

		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	return cfg, nil
}

func Merge(dst *Config, src FileConfig) {
	if src.Store.Backend != "" {
		dst.Store.Backend = src.Store.Backend
	}
	if src.Store.Path != "" {
		dst.Store.Path = src.Store.Path
	}
	if src.Store.PostgresDSN != "" {
		dst.Store.PostgresDSN = src.Store.PostgresDSN
	}
	if src.Store.PostgresSchema != "" {
		dst.Store.PostgresSchema = src.Store.PostgresSchema
	}
	if src.Store.PostgresTable != "" {
		dst.Store.PostgresTable = src.Store.PostgresTable
	}

	if src.Vault.DocumentTag != "" {
		dst.Vault.DocumentTag = src.Vault.DocumentTag
	}
	if src.Vault.KeychainVersion != "" {
		dst.Vault.KeychainVersion = src.Vault.KeychainVersion
	}
	if src.Vault.SeedSource != "" {
		dst.Vault.SeedSource = src.Vault.SeedSource
	}
	if src.Vault.KDF != nil {
		if src.Vault.KDF.Time != 0 {
			dst.Vault.KDF.Time = src.Vault.KDF.Time
		}
		if src.Vault.KDF.MemoryKB != 0 {
			dst.Vault.KDF.MemoryKB = src.Vault.KDF.MemoryKB
		}
		if src.Vault.KDF.Threads != 0 {
			dst.Vault.KDF.Threads = src.Vault.KDF.Threads
		}
	}
	if src.Vault.AuthRatePerSecond != nil {
		dst.Vault.AuthRatePerSecond = *src.Vault.AuthRatePerSecond
	}
	if src.Vault.AuthBurst != nil {
		dst.Vault.AuthBurst = *src.Vault.AuthBurst
	}
	if src.Vault.AuthIdleTTL != 0 {
		dst.Vault.AuthIdleTTL = src.Vault.AuthIdleTTL
	}

	MergeNetwork(&dst.Network, src.Network)

	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
}

func MergeNetwork(dst *waku.Config, src FileNetworkConfig) {
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.EnableRelay != nil {
		dst.EnableRelay = *src.EnableRelay
	}
	if src.EnableStore != nil {
		dst.EnableStore = *src.EnableStore
	}
	if src.EnableFilter != nil {
		dst.EnableFilter = *src.EnableFilter
	}
	if src.EnableLightPush != nil {
		dst.EnableLightPush = *src.EnableLightPush
	}
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = src.BootstrapNodes
	}
	if src.FailoverV1 != nil {
		dst.FailoverV1 = *src.FailoverV1
	}
	if src.MinPeers != 0 {
		dst.MinPeers = src.MinPeers
	}
	if src.StoreQueryFanout != 0 {
		dst.StoreQueryFanout = src.StoreQueryFanout
	}
	if src.StoreQueryLimit != 0 {
		dst.StoreQueryLimit = src.StoreQueryLimit
	}
	if src.HistoryWindow != 0 {
		dst.HistoryWindow = src.HistoryWindow
	}
	if src.ReconnectInterval != 0 {
		dst.ReconnectInterval = src.ReconnectInterval
	}
	if src.ReconnectBackoffMax != 0 {
		dst.ReconnectBackoffMax = src.ReconnectBackoffMax
	}
}

// ApplyEnvOverrides is the only way to supply the store passphrase; it is
// never read from YAML.
func ApplyEnvOverrides(cfg *Config) {
	setString := func(env string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}
	setString("SEEDVAULT_STORE_BACKEND", &cfg.Store.Backend)
	setString("SEEDVAULT_STORE_PATH", &cfg.Store.Path)
	setString("SEEDVAULT_POSTGRES_DSN", &cfg.Store.PostgresDSN)
	setString("SEEDVAULT_SEED_SOURCE", &cfg.Vault.SeedSource)
	setString("SEEDVAULT_LOG_LEVEL", &cfg.Log.Level)
	setString("SEEDVAULT_LOG_FORMAT", &cfg.Log.Format)
	setString("SEEDVAULT_NETWORK_TRANSPORT", &cfg.Network.Transport)

	if v := os.Getenv("SEEDVAULT_STORE_PASSPHRASE"); v != "" {
		cfg.Store.Passphrase = v
	}

	raw := strings.TrimSpace(os.Getenv("SEEDVAULT_NETWORK_FAILOVER_V1"))
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return
	}
	cfg.Network.FailoverV1 = v
}

func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendNetwork:
	case BackendFile:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("%w: file backend requires store.path", ErrInvalidConfig)
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return fmt.Errorf("%w: postgres backend requires store.postgresDSN", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	switch c.Vault.SeedSource {
	case SeedSourceAuthenticator, SeedSourceMnemonic:
	default:
		return fmt.Errorf("%w: unknown seed source %q", ErrInvalidConfig, c.Vault.SeedSource)
	}
	if strings.TrimSpace(c.Vault.DocumentTag) == "" || strings.TrimSpace(c.Vault.KeychainVersion) == "" {
		return fmt.Errorf("%w: documentTag and keychainVersion are required", ErrInvalidConfig)
	}
	if c.Vault.AuthRatePerSecond < 0 || c.Vault.AuthBurst < 0 {
		return fmt.Errorf("%w: negative auth rate limit", ErrInvalidConfig)
	}

	if c.Store.Backend == BackendNetwork {
		switch c.Network.Transport {
		case waku.TransportMock, waku.TransportGoWaku:
		default:
			return fmt.Errorf("%w: unknown network transport %q", ErrInvalidConfig, c.Network.Transport)
		}
		for _, node := range c.Network.BootstrapNodes {
			if _, err := ma.NewMultiaddr(node); err != nil {
				return fmt.Errorf("%w: bootstrap node %q: %v", ErrInvalidConfig, node, err)
			}
		}
	}
	return nil
}
