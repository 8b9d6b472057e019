// Package config loads the service configuration from an optional .env
// file, an optional YAML file and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/farm-engine/internal/farm"
	"github.com/atmx/farm-engine/internal/fixedpoint"
	"github.com/atmx/farm-engine/internal/staking"
)

// TokenConfig registers a token in the ledger book.
type TokenConfig struct {
	Symbol    string `yaml:"symbol"`
	MaxSupply string `yaml:"max_supply"` // empty or "0" for unbounded
}

// PoolConfig seeds a pool on first start.
type PoolConfig struct {
	Token      string `yaml:"token"`
	AllocPoint string `yaml:"alloc_point"`
	Boosted    bool   `yaml:"boosted"`
}

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port           int      `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Database struct {
		URL        string        `yaml:"url"`
		RedisURL   string        `yaml:"redis_url"`
		CacheTTL   time.Duration `yaml:"cache_ttl"`
		SQLitePath string        `yaml:"sqlite_path"`
	} `yaml:"database"`
	Auth struct {
		Owner      string `yaml:"owner"`
		AdminToken string `yaml:"admin_token"`
	} `yaml:"auth"`
	Farm struct {
		RewardToken     string       `yaml:"reward_token"`
		EscrowToken     string       `yaml:"escrow_token"`
		Custody         string       `yaml:"custody"`
		RewardReserve   string       `yaml:"reward_reserve"`
		RewardPerSecond string       `yaml:"reward_per_second"`
		BoostFactorBps  int64        `yaml:"boost_factor_bps"`
		Pools           []PoolConfig `yaml:"pools"`
	} `yaml:"farm"`
	Staking struct {
		StakeToken              string `yaml:"stake_token"`
		Custody                 string `yaml:"custody"`
		BaseRate                string `yaml:"base_rate"`
		SpeedUpRate             string `yaml:"speed_up_rate"`
		SpeedUpThreshold        int64  `yaml:"speed_up_threshold"`
		SpeedUpDuration         int64  `yaml:"speed_up_duration"`
		MaxCapPct               int64  `yaml:"max_cap_pct"`
		ForfeitEscrowOnWithdraw *bool  `yaml:"forfeit_escrow_on_withdraw"`
	} `yaml:"staking"`
	Funder struct {
		Enabled  bool   `yaml:"enabled"`
		Schedule string `yaml:"schedule"`
		Prefund  string `yaml:"prefund"`
	} `yaml:"funder"`
	Tokens []TokenConfig `yaml:"tokens"`
}

// Load reads .env (if present) and the YAML file at path (if present), then
// applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("PORT", c.Server.Port)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.RedisURL = getEnv("REDIS_URL", c.Database.RedisURL)
	c.Database.SQLitePath = getEnv("SQLITE_PATH", c.Database.SQLitePath)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Auth.Owner = getEnv("OWNER_ACCOUNT", c.Auth.Owner)
	c.Auth.AdminToken = getEnv("ADMIN_TOKEN", c.Auth.AdminToken)
	c.Farm.RewardPerSecond = getEnv("REWARD_PER_SECOND", c.Farm.RewardPerSecond)
	c.Funder.Schedule = getEnv("FUNDER_SCHEDULE", c.Funder.Schedule)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Database.CacheTTL == 0 {
		c.Database.CacheTTL = 30 * time.Second
	}
	if c.Auth.Owner == "" {
		c.Auth.Owner = "owner"
	}
	if c.Farm.RewardToken == "" {
		c.Farm.RewardToken = "JOE"
	}
	if c.Farm.EscrowToken == "" {
		c.Farm.EscrowToken = "VEJOE"
	}
	if c.Farm.Custody == "" {
		c.Farm.Custody = "farm"
	}
	if c.Farm.RewardReserve == "" {
		c.Farm.RewardReserve = "farm:rewards"
	}
	if c.Farm.RewardPerSecond == "" {
		c.Farm.RewardPerSecond = "0"
	}
	if c.Farm.BoostFactorBps == 0 {
		c.Farm.BoostFactorBps = farm.DefaultBoostFactorBps
	}

	defaults := staking.DefaultParams()
	if c.Staking.StakeToken == "" {
		c.Staking.StakeToken = c.Farm.RewardToken
	}
	if c.Staking.Custody == "" {
		c.Staking.Custody = "staking"
	}
	if c.Staking.BaseRate == "" {
		c.Staking.BaseRate = defaults.BaseRate.String()
	}
	if c.Staking.SpeedUpRate == "" {
		c.Staking.SpeedUpRate = defaults.SpeedUpRate.String()
	}
	if c.Staking.SpeedUpThreshold == 0 {
		c.Staking.SpeedUpThreshold = defaults.SpeedUpThreshold
	}
	if c.Staking.SpeedUpDuration == 0 {
		c.Staking.SpeedUpDuration = defaults.SpeedUpDuration
	}
	if c.Staking.MaxCapPct == 0 {
		c.Staking.MaxCapPct = defaults.MaxCapPct
	}
	if c.Staking.ForfeitEscrowOnWithdraw == nil {
		forfeit := true
		c.Staking.ForfeitEscrowOnWithdraw = &forfeit
	}
	if c.Funder.Schedule == "" {
		c.Funder.Schedule = "@every 30s"
	}
	if c.Funder.Prefund == "" {
		c.Funder.Prefund = "0"
	}
}

// Validate checks every setting the engine depends on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Auth.AdminToken == "" {
		return fmt.Errorf("auth.admin_token is required")
	}
	if c.Farm.Custody == c.Staking.Custody || c.Farm.RewardReserve == c.Staking.Custody {
		return fmt.Errorf("staking.custody must differ from the farm accounts")
	}
	if err := c.FarmConfig().Validate(); err != nil {
		return err
	}
	if _, err := c.RewardPerSecond(); err != nil {
		return fmt.Errorf("farm.reward_per_second: %w", err)
	}
	params, err := c.StakingParams()
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	if _, err := c.Prefund(); err != nil {
		return fmt.Errorf("funder.prefund: %w", err)
	}
	for _, p := range c.Farm.Pools {
		if _, err := fixedpoint.ParseAmount(p.AllocPoint); err != nil {
			return fmt.Errorf("farm.pools[%s].alloc_point: %w", p.Token, err)
		}
	}
	for _, t := range c.Tokens {
		if t.Symbol == "" {
			return fmt.Errorf("tokens: symbol is required")
		}
		if _, err := t.MaxSupplyAmount(); err != nil {
			return fmt.Errorf("tokens[%s].max_supply: %w", t.Symbol, err)
		}
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Server.Port)
}

// FarmConfig builds the farm's wiring.
func (c *Config) FarmConfig() farm.Config {
	return farm.Config{
		Owner:          c.Auth.Owner,
		RewardToken:    c.Farm.RewardToken,
		EscrowToken:    c.Farm.EscrowToken,
		Custody:        c.Farm.Custody,
		RewardReserve:  c.Farm.RewardReserve,
		BoostFactorBps: decimal.NewFromInt(c.Farm.BoostFactorBps),
	}
}

// StakingConfig builds the staking module's wiring.
func (c *Config) StakingConfig() staking.Config {
	return staking.Config{
		Owner:                   c.Auth.Owner,
		StakeToken:              c.Staking.StakeToken,
		EscrowToken:             c.Farm.EscrowToken,
		Custody:                 c.Staking.Custody,
		ForfeitEscrowOnWithdraw: *c.Staking.ForfeitEscrowOnWithdraw,
	}
}

// StakingParams parses the initial staking parameters.
func (c *Config) StakingParams() (staking.Params, error) {
	base, err := fixedpoint.ParseAmount(c.Staking.BaseRate)
	if err != nil {
		return staking.Params{}, fmt.Errorf("staking.base_rate: %w", err)
	}
	speedUp, err := fixedpoint.ParseAmount(c.Staking.SpeedUpRate)
	if err != nil {
		return staking.Params{}, fmt.Errorf("staking.speed_up_rate: %w", err)
	}
	return staking.Params{
		BaseRate:         base,
		SpeedUpRate:      speedUp,
		SpeedUpThreshold: c.Staking.SpeedUpThreshold,
		SpeedUpDuration:  c.Staking.SpeedUpDuration,
		MaxCapPct:        c.Staking.MaxCapPct,
	}, nil
}

// RewardPerSecond parses the farm emission rate.
func (c *Config) RewardPerSecond() (decimal.Decimal, error) {
	return fixedpoint.ParseAmount(c.Farm.RewardPerSecond)
}

// Prefund parses the funder's first top-up.
func (c *Config) Prefund() (decimal.Decimal, error) {
	return fixedpoint.ParseAmount(c.Funder.Prefund)
}

// MaxSupplyAmount parses the token cap; zero means unbounded.
func (t TokenConfig) MaxSupplyAmount() (decimal.Decimal, error) {
	if t.MaxSupply == "" {
		return decimal.Zero, nil
	}
	return fixedpoint.ParseAmount(t.MaxSupply)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
