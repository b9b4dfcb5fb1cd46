// Package config loads the service configuration from a TOML file with
// environment overrides for deployment-supplied values. The signing key never
// appears in logs; use Sanitized for anything that gets printed.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"nftlend/observability/logging"
)

// Duration wraps time.Duration so TOML files can say "90s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	ListenAddress   string `toml:"ListenAddress"`
	LedgerRPCURL    string `toml:"LedgerRPCURL"`
	ContractAddress string `toml:"ContractAddress"`
	SigningKey      string `toml:"SigningKey"`
	ChainID         int64  `toml:"ChainID"`
	RegistryPath    string `toml:"RegistryPath"`

	LoanDuration      Duration `toml:"LoanDuration"`
	InterestDueWindow Duration `toml:"InterestDueWindow"`
	FinalityTimeout   Duration `toml:"FinalityTimeout"`
	PollInterval      Duration `toml:"PollInterval"`
	RequestTimeout    Duration `toml:"RequestTimeout"`
	InFlightTTL       Duration `toml:"InFlightTTL"`

	MinValueUnit    string `toml:"MinValueUnit"`
	MaxOperationFee string `toml:"MaxOperationFee"`

	RateLimitPerMinute float64  `toml:"RateLimitPerMinute"`
	RateLimitBurst     int      `toml:"RateLimitBurst"`
	AllowedOrigins     []string `toml:"AllowedOrigins"`

	Environment  string `toml:"Environment"`
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	OTLPInsecure bool   `toml:"OTLPInsecure"`

	LogPath       string `toml:"LogPath"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
	LogMaxAgeDays int    `toml:"LogMaxAgeDays"`
	LogCompress   bool   `toml:"LogCompress"`
}

// Load reads the TOML file at path, applies environment overrides, fills
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment tooling inject secrets and endpoints without
// writing them into the config file.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("NFTLEND_SIGNING_KEY")); v != "" {
		c.SigningKey = v
	}
	if v := strings.TrimSpace(os.Getenv("NFTLEND_LEDGER_RPC_URL")); v != "" {
		c.LedgerRPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv("NFTLEND_LISTEN")); v != "" {
		c.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("NFTLEND_OTLP_ENDPOINT")); v != "" {
		c.OTLPEndpoint = v
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.LoanDuration.Duration <= 0 {
		c.LoanDuration.Duration = 30 * 24 * time.Hour
	}
	if c.InterestDueWindow.Duration <= 0 {
		c.InterestDueWindow.Duration = 7 * 24 * time.Hour
	}
	if c.FinalityTimeout.Duration <= 0 {
		c.FinalityTimeout.Duration = 2 * time.Minute
	}
	if c.PollInterval.Duration <= 0 {
		c.PollInterval.Duration = 3 * time.Second
	}
	if c.RequestTimeout.Duration <= 0 {
		c.RequestTimeout.Duration = 150 * time.Second
	}
	if c.InFlightTTL.Duration <= 0 {
		c.InFlightTTL.Duration = 10 * time.Minute
	}
	if c.MinValueUnit == "" {
		c.MinValueUnit = "1"
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.LedgerRPCURL) == "" {
		return fmt.Errorf("config: LedgerRPCURL is required")
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("config: ContractAddress %q is not a valid address", c.ContractAddress)
	}
	if strings.TrimSpace(c.SigningKey) == "" {
		return fmt.Errorf("config: SigningKey is required (file or NFTLEND_SIGNING_KEY)")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("config: ChainID must be positive")
	}
	if strings.TrimSpace(c.RegistryPath) == "" {
		return fmt.Errorf("config: RegistryPath is required")
	}
	if _, err := c.MinValueUnitWei(); err != nil {
		return err
	}
	if _, err := c.MaxOperationFeeWei(); err != nil {
		return err
	}
	return nil
}

// MinValueUnitWei parses the configured minimum value unit.
func (c *Config) MinValueUnitWei() (*big.Int, error) {
	unit, ok := new(big.Int).SetString(c.MinValueUnit, 10)
	if !ok || unit.Sign() <= 0 {
		return nil, fmt.Errorf("config: MinValueUnit %q is not a positive integer", c.MinValueUnit)
	}
	return unit, nil
}

// MaxOperationFeeWei parses the optional fee ceiling; empty disables it.
func (c *Config) MaxOperationFeeWei() (*big.Int, error) {
	if strings.TrimSpace(c.MaxOperationFee) == "" {
		return nil, nil
	}
	fee, ok := new(big.Int).SetString(c.MaxOperationFee, 10)
	if !ok || fee.Sign() <= 0 {
		return nil, fmt.Errorf("config: MaxOperationFee %q is not a positive integer", c.MaxOperationFee)
	}
	return fee, nil
}

// Sanitized returns a copy safe to log.
func (c *Config) Sanitized() Config {
	out := *c
	out.SigningKey = logging.MaskValue(c.SigningKey)
	return out
}
