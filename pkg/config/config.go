package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the node
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Database    DatabaseConfig  `mapstructure:"database"`
	P2P         P2PConfig       `mapstructure:"p2p"`
	Consensus   ConsensusConfig `mapstructure:"consensus"`
	Fitness     FitnessConfig   `mapstructure:"fitness"`
	Chain       ChainConfig     `mapstructure:"chain"`
	Slashing    SlashingConfig  `mapstructure:"slashing"`
	Security    SecurityConfig  `mapstructure:"security"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL      string        `mapstructure:"url"`
	MaxConns int           `mapstructure:"max_conns"`
	Timeout  time.Duration `mapstructure:"timeout"`
	SSLMode  string        `mapstructure:"ssl_mode"`
}

// P2PConfig holds P2P network related configuration
type P2PConfig struct {
	Port              int           `mapstructure:"port"`
	BootstrapPeers    []string      `mapstructure:"bootstrap_peers"`
	MaxPeers          int           `mapstructure:"max_peers"`
	MinPeers          int           `mapstructure:"min_peers"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	EnableDHT         bool          `mapstructure:"enable_dht"`
	DHTRefreshEvery   time.Duration `mapstructure:"dht_refresh_every"`
}

// ConsensusConfig holds consensus round configuration
type ConsensusConfig struct {
	MinQuorum          int           `mapstructure:"min_quorum"`
	VotingDuration     time.Duration `mapstructure:"voting_duration"`
	PreparationBackoff time.Duration `mapstructure:"preparation_backoff"`
	InterRoundDelay    time.Duration `mapstructure:"inter_round_delay"`
	ByzantineFraction  float64       `mapstructure:"byzantine_fraction"`
	VoteThreshold      float64       `mapstructure:"vote_threshold"`
	EpochLength        time.Duration `mapstructure:"epoch_length"`
	HistoryCapacity    int           `mapstructure:"history_capacity"`
}

// FitnessConfig holds fitness scoring configuration.
// The rate bands are heuristic and deliberately exposed as configuration.
type FitnessConfig struct {
	FitnessWeight      float64 `mapstructure:"fitness_weight"`
	AuthenticityWeight float64 `mapstructure:"authenticity_weight"`
	StabilityWeight    float64 `mapstructure:"stability_weight"`
	DiversityWeight    float64 `mapstructure:"diversity_weight"`

	MinConsensusScore float64 `mapstructure:"min_consensus_score"`
	MinAuthenticity   float64 `mapstructure:"min_authenticity"`
	MinSourceCount    int     `mapstructure:"min_source_count"`
	MinQuality        float64 `mapstructure:"min_quality"`
	StressCeiling     float64 `mapstructure:"stress_ceiling"`
	FocusFloor        float64 `mapstructure:"focus_floor"`

	RateBands        []RateBand    `mapstructure:"rate_bands"`
	AttestationTTL   time.Duration `mapstructure:"attestation_ttl"`
	HistorySize      int           `mapstructure:"history_size"`
	StabilityNeutral float64       `mapstructure:"stability_neutral"`
}

// RateBand maps a primary-rate interval to a tier score. Intervals are
// half-open [Low, High); the band with the highest High also matches the
// edge value itself.
type RateBand struct {
	Low   float64 `mapstructure:"low"`
	High  float64 `mapstructure:"high"`
	Score float64 `mapstructure:"score"`
}

// ChainConfig holds block propagation and orphan pool configuration
type ChainConfig struct {
	MaxBlockAge        time.Duration `mapstructure:"max_block_age"`
	OrphanSweepEvery   time.Duration `mapstructure:"orphan_sweep_every"`
	OrphanMaxAge       time.Duration `mapstructure:"orphan_max_age"`
	OrphanMaxAttempts  int           `mapstructure:"orphan_max_attempts"`
	OrphanRetryBackoff time.Duration `mapstructure:"orphan_retry_backoff"`
}

// SlashingConfig holds slashing and reward configuration
type SlashingConfig struct {
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	OfflineTimeout   time.Duration `mapstructure:"offline_timeout"`
	MinStake         float64       `mapstructure:"min_stake"`
	MinReputation    float64       `mapstructure:"min_reputation"`
	BaseBlockReward  float64       `mapstructure:"base_block_reward"`
	HighFitnessBonus float64       `mapstructure:"high_fitness_bonus"`
	SustainedBonus   float64       `mapstructure:"sustained_bonus"`
}

// SecurityConfig holds key and token configuration
type SecurityConfig struct {
	KeyFile         string        `mapstructure:"key_file"`
	KeyPassphrase   string        `mapstructure:"key_passphrase"`
	ChallengeSecret string        `mapstructure:"challenge_secret"`
	ChallengeTTL    time.Duration `mapstructure:"challenge_ttl"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, rely on defaults and env vars
	}

	v.SetEnvPrefix("FITCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration populated with defaults only
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("defaults failed to unmarshal: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// P2P defaults
	v.SetDefault("p2p.port", 9000)
	v.SetDefault("p2p.max_peers", 50)
	v.SetDefault("p2p.min_peers", 3)
	v.SetDefault("p2p.send_timeout", "5s")
	v.SetDefault("p2p.heartbeat_interval", "10s")
	v.SetDefault("p2p.enable_dht", true)
	v.SetDefault("p2p.dht_refresh_every", "1m")

	// Consensus defaults
	v.SetDefault("consensus.min_quorum", 4)
	v.SetDefault("consensus.voting_duration", "30s")
	v.SetDefault("consensus.preparation_backoff", "10s")
	v.SetDefault("consensus.inter_round_delay", "5s")
	v.SetDefault("consensus.byzantine_fraction", 0.33)
	v.SetDefault("consensus.vote_threshold", 0.67)
	v.SetDefault("consensus.epoch_length", "1m")
	v.SetDefault("consensus.history_capacity", 100)

	// Fitness defaults
	v.SetDefault("fitness.fitness_weight", 0.40)
	v.SetDefault("fitness.authenticity_weight", 0.30)
	v.SetDefault("fitness.stability_weight", 0.20)
	v.SetDefault("fitness.diversity_weight", 0.10)
	v.SetDefault("fitness.min_consensus_score", 75.0)
	v.SetDefault("fitness.min_authenticity", 0.80)
	v.SetDefault("fitness.min_source_count", 2)
	v.SetDefault("fitness.min_quality", 0.5)
	v.SetDefault("fitness.stress_ceiling", 80.0)
	v.SetDefault("fitness.focus_floor", 30.0)
	v.SetDefault("fitness.attestation_ttl", "5m")
	v.SetDefault("fitness.history_size", 10)
	v.SetDefault("fitness.stability_neutral", 75.0)

	// Chain defaults
	v.SetDefault("chain.max_block_age", "5m")
	v.SetDefault("chain.orphan_sweep_every", "30s")
	v.SetDefault("chain.orphan_max_age", "5m")
	v.SetDefault("chain.orphan_max_attempts", 5)
	v.SetDefault("chain.orphan_retry_backoff", "1m")

	// Slashing defaults
	v.SetDefault("slashing.sweep_interval", "5m")
	v.SetDefault("slashing.offline_timeout", "5m")
	v.SetDefault("slashing.min_stake", 1000.0)
	v.SetDefault("slashing.min_reputation", 20.0)
	v.SetDefault("slashing.base_block_reward", 10.0)
	v.SetDefault("slashing.high_fitness_bonus", 5.0)
	v.SetDefault("slashing.sustained_bonus", 5.0)

	// Security defaults
	v.SetDefault("security.key_file", "keys/node.key")
	v.SetDefault("security.challenge_ttl", "2m")

	// Database defaults
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.timeout", "30s")
	v.SetDefault("database.ssl_mode", "disable")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateP2P(); err != nil {
		return fmt.Errorf("p2p config: %w", err)
	}
	if err := c.validateConsensus(); err != nil {
		return fmt.Errorf("consensus config: %w", err)
	}
	if err := c.validateFitness(); err != nil {
		return fmt.Errorf("fitness config: %w", err)
	}
	if err := c.validateChain(); err != nil {
		return fmt.Errorf("chain config: %w", err)
	}
	if err := c.validateSlashing(); err != nil {
		return fmt.Errorf("slashing config: %w", err)
	}
	return nil
}

func (c *Config) validateP2P() error {
	if c.P2P.Port <= 0 || c.P2P.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.P2P.Port)
	}
	if c.P2P.MaxPeers < c.P2P.MinPeers {
		return fmt.Errorf("max_peers (%d) cannot be less than min_peers (%d)",
			c.P2P.MaxPeers, c.P2P.MinPeers)
	}
	if c.P2P.SendTimeout <= 0 {
		return fmt.Errorf("send_timeout must be positive")
	}
	if c.P2P.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.P2P.EnableDHT && c.P2P.DHTRefreshEvery <= 0 {
		return fmt.Errorf("dht_refresh_every must be positive")
	}
	return nil
}

func (c *Config) validateConsensus() error {
	if c.Consensus.MinQuorum < 1 {
		return fmt.Errorf("min_quorum must be at least 1")
	}
	if c.Consensus.ByzantineFraction <= 0 || c.Consensus.ByzantineFraction >= 0.5 {
		return fmt.Errorf("byzantine_fraction must be in (0, 0.5)")
	}
	if c.Consensus.VoteThreshold <= 0.5 || c.Consensus.VoteThreshold > 1 {
		return fmt.Errorf("vote_threshold must be in (0.5, 1]")
	}
	if c.Consensus.VotingDuration <= 0 {
		return fmt.Errorf("voting_duration must be positive")
	}
	if c.Consensus.EpochLength <= 0 {
		return fmt.Errorf("epoch_length must be positive")
	}
	if c.Consensus.HistoryCapacity <= 0 {
		return fmt.Errorf("history_capacity must be positive")
	}
	return nil
}

func (c *Config) validateFitness() error {
	sum := c.Fitness.FitnessWeight + c.Fitness.AuthenticityWeight +
		c.Fitness.StabilityWeight + c.Fitness.DiversityWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("component weights must sum to 1.0, got %.3f", sum)
	}
	if c.Fitness.MinConsensusScore < 0 || c.Fitness.MinConsensusScore > 100 {
		return fmt.Errorf("min_consensus_score must be between 0 and 100")
	}
	if c.Fitness.MinAuthenticity < 0 || c.Fitness.MinAuthenticity > 1 {
		return fmt.Errorf("min_authenticity must be between 0 and 1")
	}
	if c.Fitness.MinSourceCount < 1 {
		return fmt.Errorf("min_source_count must be at least 1")
	}
	if c.Fitness.AttestationTTL <= 0 {
		return fmt.Errorf("attestation_ttl must be positive")
	}
	if c.Fitness.HistorySize < 3 {
		return fmt.Errorf("history_size must be at least 3")
	}
	for i, band := range c.Fitness.RateBands {
		if band.Low > band.High {
			return fmt.Errorf("rate band %d: low exceeds high", i)
		}
		if band.Score < 0 || band.Score > 100 {
			return fmt.Errorf("rate band %d: score must be between 0 and 100", i)
		}
	}
	return nil
}

func (c *Config) validateChain() error {
	if c.Chain.MaxBlockAge <= 0 {
		return fmt.Errorf("max_block_age must be positive")
	}
	if c.Chain.OrphanMaxAttempts <= 0 {
		return fmt.Errorf("orphan_max_attempts must be positive")
	}
	if c.Chain.OrphanSweepEvery <= 0 || c.Chain.OrphanMaxAge <= 0 {
		return fmt.Errorf("orphan sweep intervals must be positive")
	}
	return nil
}

func (c *Config) validateSlashing() error {
	if c.Slashing.MinStake < 0 {
		return fmt.Errorf("min_stake cannot be negative")
	}
	if c.Slashing.MinReputation < 0 || c.Slashing.MinReputation > 100 {
		return fmt.Errorf("min_reputation must be between 0 and 100")
	}
	if c.Slashing.OfflineTimeout <= 0 {
		return fmt.Errorf("offline_timeout must be positive")
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
