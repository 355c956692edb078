package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	RPCURL            string `mapstructure:"rpc_url"`
	DefaultCommitment string `mapstructure:"default_commitment"`
	FeeOracleURL      string `mapstructure:"fee_oracle_url"`
	PriceAPIURL       string `mapstructure:"price_api_url"`
	IDLRepositoryURL  string `mapstructure:"idl_repository_url"`
	WalletKey         string `mapstructure:"wallet_key"`

	MinPriorityFeeLamports uint64 `mapstructure:"min_priority_fee_lamports"`
	MaxPriorityFeeLamports uint64 `mapstructure:"max_priority_fee_lamports"`
	DefaultPriorityTier    string `mapstructure:"default_priority_tier"`
	ComputeMarginPercent   int    `mapstructure:"compute_margin_percent"`

	BaseRetryDelayMs        int `mapstructure:"base_retry_delay_ms"`
	MaxRetryDelayMs         int `mapstructure:"max_retry_delay_ms"`
	MaxRetries              int `mapstructure:"max_retries"`
	MaxRPCSubmissionRetries int `mapstructure:"max_rpc_submission_retries"`
	ConfirmTimeoutMs        int `mapstructure:"confirm_timeout_ms"`

	DebugLogging bool   `mapstructure:"debug_logging"`
	LogFile      string `mapstructure:"log_file"`
}

const (
	DefaultCommitment           = "confirmed"
	DefaultMinPriorityFee       = 10_000      // lamports
	DefaultMaxPriorityFee       = 5_000_000   // lamports
	DefaultPriorityTier         = "medium"
	DefaultComputeMarginPercent = 10
	DefaultBaseRetryDelayMs     = 500
	DefaultMaxRetryDelayMs      = 8_000
	DefaultMaxRetries           = 5
	DefaultMaxRPCRetries        = 3
	DefaultConfirmTimeoutMs     = 45_000
)

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"default_commitment":         DefaultCommitment,
		"min_priority_fee_lamports":  DefaultMinPriorityFee,
		"max_priority_fee_lamports":  DefaultMaxPriorityFee,
		"default_priority_tier":      DefaultPriorityTier,
		"compute_margin_percent":     DefaultComputeMarginPercent,
		"base_retry_delay_ms":        DefaultBaseRetryDelayMs,
		"max_retry_delay_ms":         DefaultMaxRetryDelayMs,
		"max_retries":                DefaultMaxRetries,
		"max_rpc_submission_retries": DefaultMaxRPCRetries,
		"confirm_timeout_ms":         DefaultConfirmTimeoutMs,
		"log_file":                   "whirlpool-bot.log",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	loadEnvironmentVariables(v, &cfg)

	return &cfg, validateConfig(&cfg)
}

func validateConfig(cfg *Config) error {
	if cfg.RPCURL == "" {
		return errors.New("rpc_url is empty")
	}
	if err := validateURLWithCache(cfg.RPCURL, "http"); err != nil {
		return errors.New("invalid RPC URL protocol")
	}
	if cfg.FeeOracleURL != "" {
		if err := validateURLWithCache(cfg.FeeOracleURL, "http"); err != nil {
			return errors.New("invalid fee oracle URL protocol")
		}
	}
	if cfg.PriceAPIURL != "" {
		if err := validateURLWithCache(cfg.PriceAPIURL, "http"); err != nil {
			return errors.New("invalid price API URL protocol")
		}
	}
	if cfg.IDLRepositoryURL != "" {
		if err := validateURLWithCache(cfg.IDLRepositoryURL, "http"); err != nil {
			return errors.New("invalid IDL repository URL protocol")
		}
	}
	switch cfg.DefaultCommitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("invalid default_commitment: %q", cfg.DefaultCommitment)
	}
	return validateNumericParams(cfg)
}

func validateNumericParams(cfg *Config) error {
	if cfg.MinPriorityFeeLamports > cfg.MaxPriorityFeeLamports {
		return errors.New("min_priority_fee_lamports exceeds max_priority_fee_lamports")
	}
	if cfg.ComputeMarginPercent < 0 || cfg.ComputeMarginPercent > 100 {
		return errors.New("invalid compute_margin_percent")
	}
	if cfg.BaseRetryDelayMs <= 0 || cfg.MaxRetryDelayMs < cfg.BaseRetryDelayMs {
		return errors.New("invalid retry delay bounds")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("invalid max_retries")
	}
	if cfg.MaxRPCSubmissionRetries < 0 {
		return errors.New("invalid max_rpc_submission_retries")
	}
	if cfg.ConfirmTimeoutMs <= 0 {
		return errors.New("invalid confirm_timeout_ms")
	}
	return nil
}

// BaseRetryDelay returns base_retry_delay_ms as a duration.
func (c *Config) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelayMs) * time.Millisecond
}

// MaxRetryDelay returns max_retry_delay_ms as a duration.
func (c *Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelayMs) * time.Millisecond
}

// ConfirmTimeout returns confirm_timeout_ms as a duration.
func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutMs) * time.Millisecond
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}

func loadEnvironmentVariables(v *viper.Viper, cfg *Config) {
	v.AutomaticEnv()
	v.SetEnvPrefix("WHIRLPOOL_BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if envRPC := v.GetString("RPC_URL"); envRPC != "" {
		cfg.RPCURL = strings.TrimSpace(envRPC)
	}
	if envKey := v.GetString("WALLET_KEY"); envKey != "" {
		cfg.WalletKey = strings.TrimSpace(envKey)
	}
	if envOracle := v.GetString("FEE_ORACLE_URL"); envOracle != "" {
		cfg.FeeOracleURL = strings.TrimSpace(envOracle)
	}
}
