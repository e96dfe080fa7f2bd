// Package config loads the anchor observer's runtime configuration via
// koanf (TOML file plus environment variable overrides).
package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// ChainConfig describes the network the observer watches for anchors.
type ChainConfig struct {
	ChainID                 int64    `koanf:"chainId"`
	Name                    string   `koanf:"name"`
	RPCUrls                 []string `koanf:"rpcUrls"`
	WSUrls                  []string `koanf:"wsUrls"`
	AnchorContractAddress   string   `koanf:"anchorContractAddress"`
	ContractDeploymentBlock *uint64  `koanf:"contractDeploymentBlock"`
	Confirmations           int      `koanf:"confirmations"`
}

// GetAnchorContractAddress parses AnchorContractAddress as an Ethereum address.
func (cc *ChainConfig) GetAnchorContractAddress() common.Address {
	return common.HexToAddress(cc.AnchorContractAddress)
}

// PaginationConfig bounds the paginator's sub-range sizing.
type PaginationConfig struct {
	DefaultBatchSize uint64 `koanf:"defaultBatchSize"`
	MaxBatchSize     uint64 `koanf:"maxBatchSize"`
}

// ObserverConfig holds the tuning parameters for the historical and live
// sync loops.
type ObserverConfig struct {
	Preset                     string           `koanf:"preset"`
	BatchSize                  uint64           `koanf:"batchSize"`
	RateLimitDelayMs           uint64           `koanf:"rateLimitDelayMs"`
	MaxRetries                 int              `koanf:"maxRetries"`
	RetryDelayMs               uint64           `koanf:"retryDelayMs"`
	Pagination                 PaginationConfig `koanf:"pagination"`
	MaxConcurrentDownloads     int              `koanf:"maxConcurrentDownloads"`
	ObservingIntervalInSeconds int              `koanf:"observingIntervalInSeconds"`
}

// StoreConfig points at the backing stores.
type StoreConfig struct {
	BoltPath    string `koanf:"boltPath"`
	PostgresDSN string `koanf:"postgresDsn"`
	IPFSAPIURL  string `koanf:"ipfsApiUrl"`
}

// EventSinkConfig points at the NATS JetStream sink for audit events.
type EventSinkConfig struct {
	NATSUrl string `koanf:"natsUrl"`
	Subject string `koanf:"subject"`
}

// Config is the top-level configuration document.
type Config struct {
	Chain     ChainConfig     `koanf:"chain"`
	Observer  ObserverConfig  `koanf:"observer"`
	Store     StoreConfig     `koanf:"store"`
	EventSink EventSinkConfig `koanf:"eventSink"`
}

// Conservative favors correctness and low chain load over throughput:
// small batches, generous retry budget, modest concurrency.
func Conservative() ObserverConfig {
	return ObserverConfig{
		Preset:                     "conservative",
		BatchSize:                  200,
		RateLimitDelayMs:           250,
		MaxRetries:                 5,
		RetryDelayMs:               2000,
		Pagination:                 PaginationConfig{DefaultBatchSize: 500, MaxBatchSize: 5000},
		MaxConcurrentDownloads:     2,
		ObservingIntervalInSeconds: 60,
	}
}

// Balanced is the default preset.
func Balanced() ObserverConfig {
	return ObserverConfig{
		Preset:                     "balanced",
		BatchSize:                  500,
		RateLimitDelayMs:           100,
		MaxRetries:                 3,
		RetryDelayMs:               1000,
		Pagination:                 PaginationConfig{DefaultBatchSize: 1000, MaxBatchSize: 10000},
		MaxConcurrentDownloads:     4,
		ObservingIntervalInSeconds: 30,
	}
}

// Aggressive favors throughput, trading off retry patience and per-block
// caution for faster catch-up on networks with generous RPC quotas.
func Aggressive() ObserverConfig {
	return ObserverConfig{
		Preset:                     "aggressive",
		BatchSize:                  2000,
		RateLimitDelayMs:           20,
		MaxRetries:                 2,
		RetryDelayMs:               500,
		Pagination:                 PaginationConfig{DefaultBatchSize: 5000, MaxBatchSize: 10000},
		MaxConcurrentDownloads:     16,
		ObservingIntervalInSeconds: 10,
	}
}

// Preset resolves a named preset ("conservative", "balanced", "aggressive"),
// defaulting to Balanced for an empty or unrecognized name.
func Preset(name string) ObserverConfig {
	switch strings.ToLower(name) {
	case "conservative":
		return Conservative()
	case "aggressive":
		return Aggressive()
	default:
		return Balanced()
	}
}

// Load reads the config file (TOML) and environment overrides, then
// resolves the observer preset named by "observer.preset" (defaulting to
// Balanced) as the base before layering any explicit overrides on top.
func Load(logger *zerolog.Logger, configPath string) (*Config, error) {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file %q: %w", configPath, err)
	}

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("failed to load environment variable overrides")
	}

	loaded := Config{Observer: Preset(ko.String("observer.preset"))}
	if err := ko.Unmarshal("", &loaded); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	logger.Info().
		Str("config_file", configPath).
		Str("chain", loaded.Chain.Name).
		Str("preset", loaded.Observer.Preset).
		Msg("configuration loaded")

	return &loaded, nil
}
