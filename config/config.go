package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"dpos-node/consensus"
	"dpos-node/models"
	"dpos-node/p2p"
	"dpos-node/ratelimit"
	"dpos-node/syncer"

	"github.com/spf13/viper"
)

// DefaultPath is where the node looks for its configuration file
const DefaultPath = "config/config.yaml"

// ErrInvalidValue is wrapped for out of range settings
var ErrInvalidValue = errors.New("invalid value")

// ConfigurationError names the setting that made the configuration unusable
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

type ServerConfig struct {
	Port    int    `mapstructure:"port"`
	Version string `mapstructure:"version"`
}

type LogConfig struct {
	AppLogFile string `mapstructure:"app_log_file"`
	Level      string `mapstructure:"level"`
}

type LevelDBConfig struct {
	Path string `mapstructure:"path"`
}

// NetworkConfig describes the chain this node follows
type NetworkConfig struct {
	Epoch      string             `mapstructure:"epoch"` // RFC3339
	BlockTime  uint64             `mapstructure:"blockTime"`
	Genesis    string             `mapstructure:"genesis"`
	Milestones []models.Milestone `mapstructure:"milestones"`
}

// EpochTime parses Epoch
func (n NetworkConfig) EpochTime() (time.Time, error) {
	return time.Parse(time.RFC3339, n.Epoch)
}

type P2PConfig struct {
	Seeds               []string         `mapstructure:"seeds"`
	MaxPeers            int              `mapstructure:"maxPeers"`
	MinimumNetworkReach int              `mapstructure:"minimumNetworkReach"`
	MaxBlocksPerRequest int              `mapstructure:"maxBlocksPerRequest"`
	PollTimeout         time.Duration    `mapstructure:"pollTimeout"`
	PollConcurrency     int              `mapstructure:"pollConcurrency"`
	PollInterval        time.Duration    `mapstructure:"pollInterval"`
	RequestTimeout      time.Duration    `mapstructure:"requestTimeout"`
	MaxResponseBytes    int64            `mapstructure:"maxResponseBytes"`
	TransactionPoolSize int              `mapstructure:"transactionPoolSize"`
	Whitelist           []string         `mapstructure:"whitelist"`
	RateLimit           ratelimit.Config `mapstructure:"rateLimit"`
}

type ForgingConfig struct {
	QuorumThreshold float64 `mapstructure:"quorumThreshold"`
}

// Config is the whole node configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	LevelDB LevelDBConfig `mapstructure:"leveldb"`
	Network NetworkConfig `mapstructure:"network"`
	P2P     P2PConfig     `mapstructure:"p2p"`
	Sync    syncer.Config `mapstructure:"sync"`
	Forging ForgingConfig `mapstructure:"forging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 4002)
	v.SetDefault("server.version", "1.0.0")
	v.SetDefault("log.level", "info")
	v.SetDefault("leveldb.path", "data/blocks")
	v.SetDefault("network.blockTime", 8)

	v.SetDefault("p2p.maxPeers", 100)
	v.SetDefault("p2p.minimumNetworkReach", consensus.DefaultMinimumNetworkReach)
	v.SetDefault("p2p.maxBlocksPerRequest", 400)
	v.SetDefault("p2p.pollTimeout", 2*time.Second)
	v.SetDefault("p2p.pollConcurrency", 16)
	v.SetDefault("p2p.pollInterval", 8*time.Second)
	v.SetDefault("p2p.requestTimeout", 5*time.Second)
	v.SetDefault("p2p.maxResponseBytes", p2p.DefaultMaxResponseBytes)
	v.SetDefault("p2p.transactionPoolSize", 1000)
	v.SetDefault("p2p.whitelist", []string{"127.0.0.1", "::1"})
	v.SetDefault("p2p.rateLimit.global.rateLimit", 20)
	v.SetDefault("p2p.rateLimit.global.duration", time.Second)
	v.SetDefault("p2p.rateLimit.maxTrackedIPs", ratelimit.DefaultMaxTrackedIPs)

	v.SetDefault("sync.chunkSize", syncer.DefaultChunkSize)
	v.SetDefault("sync.parallelDownloads", syncer.DefaultParallelDownloads)
	v.SetDefault("sync.chunkCacheSize", syncer.DefaultChunkCacheSize)
	v.SetDefault("sync.interval", syncer.DefaultInterval)
	v.SetDefault("sync.forkRollback", 1)

	v.SetDefault("forging.quorumThreshold", consensus.DefaultQuorumThreshold)
}

// Load reads path, applies defaults and environment overrides such as
// DPOS_SERVER_PORT, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("dpos")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigurationError{Field: "file", Err: err}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigurationError{Field: "file", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every setting the node cannot start without
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ConfigurationError{Field: "server.port", Err: fmt.Errorf("%w: %d", ErrInvalidValue, c.Server.Port)}
	}
	if _, err := c.Network.EpochTime(); err != nil {
		return &ConfigurationError{Field: "network.epoch", Err: err}
	}
	if c.Network.BlockTime == 0 {
		return &ConfigurationError{Field: "network.blockTime", Err: fmt.Errorf("%w: must be positive", ErrInvalidValue)}
	}
	if c.Network.Genesis == "" {
		return &ConfigurationError{Field: "network.genesis", Err: fmt.Errorf("%w: missing genesis file", ErrInvalidValue)}
	}
	if err := consensus.ValidateMilestones(c.Network.Milestones); err != nil {
		return &ConfigurationError{Field: "network.milestones", Err: err}
	}
	if err := c.P2P.RateLimit.Validate(); err != nil {
		return &ConfigurationError{Field: "p2p.rateLimit", Err: err}
	}
	if err := ratelimit.ValidateWhitelist(c.P2P.Whitelist); err != nil {
		return &ConfigurationError{Field: "p2p.whitelist", Err: err}
	}
	if c.P2P.MaxPeers <= 0 {
		return &ConfigurationError{Field: "p2p.maxPeers", Err: fmt.Errorf("%w: must be positive", ErrInvalidValue)}
	}
	if c.Sync.ChunkSize <= 0 || c.Sync.ParallelDownloads <= 0 {
		return &ConfigurationError{Field: "sync", Err: fmt.Errorf("%w: chunkSize and parallelDownloads must be positive", ErrInvalidValue)}
	}
	if q := c.Forging.QuorumThreshold; q <= 0 || q > 1 {
		return &ConfigurationError{Field: "forging.quorumThreshold", Err: fmt.Errorf("%w: %v not in (0, 1]", ErrInvalidValue, q)}
	}
	return nil
}

// LoadGenesis reads the genesis block from a JSON file
func LoadGenesis(path string) (*models.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Field: "network.genesis", Err: err}
	}
	var block models.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, &ConfigurationError{Field: "network.genesis", Err: err}
	}
	if block.Height != 1 {
		return nil, &ConfigurationError{Field: "network.genesis", Err: fmt.Errorf("%w: height %d", ErrInvalidValue, block.Height)}
	}
	return &block, nil
}
