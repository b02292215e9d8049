// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration tree for the strategy core.
type Config struct {
	Venues    map[string]VenueConfig `yaml:"venues"`
	Fees      map[string]FeeConfig   `yaml:"fees"`
	Strategy  StrategyConfig         `yaml:"strategy"`
	Storage   StorageConfig          `yaml:"storage"`
	System    SystemConfig           `yaml:"system"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
}

// VenueConfig holds per-venue credentials and endpoints.
type VenueConfig struct {
	APIKey                Secret `yaml:"api_key"`
	SecretKey             Secret `yaml:"secret_key"`
	Passphrase            Secret `yaml:"passphrase"`
	BaseURL               string `yaml:"base_url"`
	WebsocketURL          string `yaml:"websocket_url"`
	MaxConcurrentRequests int    `yaml:"max_concurrent_requests"`
}

// FeeConfig is one venue's static fee schedule in basis points.
type FeeConfig struct {
	MakerBps float64 `yaml:"maker_bps"`
	TakerBps float64 `yaml:"taker_bps"`
}

// StrategyConfig holds the strategy-core knobs.
type StrategyConfig struct {
	AccountID      string   `yaml:"account_id"`
	ScanVenues     []string `yaml:"scan_venues"`
	MandatoryVenue string   `yaml:"mandatory_venue"`

	TargetMargin float64 `yaml:"target_margin"`
	// Legacy sizing: older configs specify target_exposure; notional is
	// target_exposure x exposure_notional_factor.
	TargetExposure         float64 `yaml:"target_exposure"`
	ExposureNotionalFactor float64 `yaml:"exposure_notional_factor"`
	Leverage               int     `yaml:"leverage"`

	MaxPositions            int `yaml:"max_positions"`
	MaxNewPositionsPerCycle int `yaml:"max_new_positions_per_cycle"`

	MinProfitRate          float64  `yaml:"min_profit_rate"`
	MinHoldHours           float64  `yaml:"min_hold_hours"`
	MaxPositionAgeHours    float64  `yaml:"max_position_age_hours"`
	ProfitErosionThreshold float64  `yaml:"profit_erosion_threshold"`
	MinVolume24h           float64  `yaml:"min_volume_24h"`
	MinOIUSD               float64  `yaml:"min_oi_usd"`
	MaxOIUSD               float64  `yaml:"max_oi_usd"`
	ExcludedSymbols        []string `yaml:"excluded_symbols"`

	MaxEntryPriceDivergencePct float64 `yaml:"max_entry_price_divergence_pct"`
	MinLiquidationDistancePct  float64 `yaml:"min_liquidation_distance_pct"`
	WideSpreadMaxBps           float64 `yaml:"wide_spread_max_bps"`
	WideSpreadCooldownMinutes  int     `yaml:"wide_spread_cooldown_minutes"`
	LimitOrderOffsetPct        float64 `yaml:"limit_order_offset_pct"`
	CloseOrderType             string  `yaml:"close_order_type"`

	CheckIntervalSeconds int  `yaml:"check_interval_seconds"`
	DryRun               bool `yaml:"dry_run"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory, sqlite or postgres
	Path    string `yaml:"path"`    // sqlite file
	DSN     Secret `yaml:"dsn"`     // postgres connection string
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, applies defaults and validates.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// ApplyDefaults fills the documented default for every zero-valued optional
// field.
func (c *Config) ApplyDefaults() {
	s := &c.Strategy
	if s.AccountID == "" {
		s.AccountID = "default"
	}
	if s.ExposureNotionalFactor == 0 {
		s.ExposureNotionalFactor = 10
	}
	if s.Leverage == 0 {
		s.Leverage = 3
	}
	if s.MaxNewPositionsPerCycle == 0 {
		s.MaxNewPositionsPerCycle = 1
	}
	if s.MaxEntryPriceDivergencePct == 0 {
		s.MaxEntryPriceDivergencePct = 0.01
	}
	if s.MinLiquidationDistancePct == 0 {
		s.MinLiquidationDistancePct = 0.10
	}
	if s.WideSpreadCooldownMinutes == 0 {
		s.WideSpreadCooldownMinutes = 60
	}
	if s.LimitOrderOffsetPct == 0 {
		s.LimitOrderOffsetPct = 0.0002
	}
	if s.CheckIntervalSeconds == 0 {
		s.CheckIntervalSeconds = 60
	}
	if s.CloseOrderType == "" {
		s.CloseOrderType = "market"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string
	for _, err := range []error{
		c.validateVenues(),
		c.validateStrategy(),
		c.validateStorage(),
		c.validateSystem(),
	} {
		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

func (c *Config) validateVenues() error {
	if c.Strategy.DryRun {
		// Paper venues need no credentials.
		return nil
	}
	if len(c.Strategy.ScanVenues) < 2 {
		return ValidationError{
			Field:   "strategy.scan_venues",
			Message: "at least two venues are required to pair funding legs",
		}
	}
	for _, name := range c.Strategy.ScanVenues {
		v, exists := c.Venues[name]
		if !exists {
			return ValidationError{
				Field:   "strategy.scan_venues",
				Value:   name,
				Message: "venue configuration not found in venues section",
			}
		}
		if v.APIKey == "" || v.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s", name),
				Message: "api_key and secret_key are required",
			}
		}
	}
	if c.Strategy.MandatoryVenue != "" && !contains(c.Strategy.ScanVenues, c.Strategy.MandatoryVenue) {
		return ValidationError{
			Field:   "strategy.mandatory_venue",
			Value:   c.Strategy.MandatoryVenue,
			Message: "must be one of scan_venues",
		}
	}
	return nil
}

func (c *Config) validateStrategy() error {
	s := c.Strategy
	if s.TargetMargin <= 0 && s.TargetExposure <= 0 {
		return ValidationError{
			Field:   "strategy.target_margin",
			Message: "target_margin (or legacy target_exposure) must be positive",
		}
	}
	if s.Leverage < 1 {
		return ValidationError{
			Field:   "strategy.leverage",
			Value:   s.Leverage,
			Message: "leverage must be at least 1",
		}
	}
	if s.MaxPositions < 1 {
		return ValidationError{
			Field:   "strategy.max_positions",
			Value:   s.MaxPositions,
			Message: "max_positions must be at least 1",
		}
	}
	if s.ProfitErosionThreshold < 0 || s.ProfitErosionThreshold > 1 {
		return ValidationError{
			Field:   "strategy.profit_erosion_threshold",
			Value:   s.ProfitErosionThreshold,
			Message: "must be between 0 and 1",
		}
	}
	if s.MaxOIUSD > 0 && s.MaxOIUSD < s.MinOIUSD {
		return ValidationError{
			Field:   "strategy.max_oi_usd",
			Value:   s.MaxOIUSD,
			Message: "must not be below min_oi_usd",
		}
	}
	if s.CloseOrderType != "market" && s.CloseOrderType != "limit" {
		return ValidationError{
			Field:   "strategy.close_order_type",
			Value:   s.CloseOrderType,
			Message: "must be market or limit",
		}
	}
	if s.MinHoldHours > s.MaxPositionAgeHours && s.MaxPositionAgeHours > 0 {
		return ValidationError{
			Field:   "strategy.min_hold_hours",
			Value:   s.MinHoldHours,
			Message: "must not exceed max_position_age_hours",
		}
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return ValidationError{
				Field:   "storage.path",
				Message: "sqlite backend requires a file path",
			}
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return ValidationError{
				Field:   "storage.dsn",
				Message: "postgres backend requires a connection string",
			}
		}
	default:
		return ValidationError{
			Field:   "storage.backend",
			Value:   c.Storage.Backend,
			Message: "must be one of: memory, sqlite, postgres",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// TargetMarginUSD resolves the per-position margin, converting a legacy
// target_exposure config when target_margin is absent.
func (c *Config) TargetMarginUSD() decimal.Decimal {
	s := c.Strategy
	if s.TargetMargin > 0 {
		return decimal.NewFromFloat(s.TargetMargin)
	}
	notional := decimal.NewFromFloat(s.TargetExposure).
		Mul(decimal.NewFromFloat(s.ExposureNotionalFactor))
	return notional.Div(decimal.NewFromInt(int64(s.Leverage)))
}

// CheckInterval returns the orchestrator tick period.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Strategy.CheckIntervalSeconds) * time.Second
}

// MinHold returns the minimum holding period before risk exits may fire.
func (c *Config) MinHold() time.Duration {
	return time.Duration(c.Strategy.MinHoldHours * float64(time.Hour))
}

// MaxPositionAge returns the forced-exit age, zero when unset.
func (c *Config) MaxPositionAge() time.Duration {
	return time.Duration(c.Strategy.MaxPositionAgeHours * float64(time.Hour))
}

// WideSpreadCooldown returns how long unusable pricing is tolerated.
func (c *Config) WideSpreadCooldown() time.Duration {
	return time.Duration(c.Strategy.WideSpreadCooldownMinutes) * time.Minute
}

// String returns the configuration as YAML; Secret fields redact themselves.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a dry-run configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		Venues: map[string]VenueConfig{},
		Fees: map[string]FeeConfig{
			"paper_a": {MakerBps: 1, TakerBps: 4.5},
			"paper_b": {MakerBps: 2, TakerBps: 5.5},
		},
		Strategy: StrategyConfig{
			ScanVenues:             []string{"paper_a", "paper_b"},
			TargetMargin:           100,
			MaxPositions:           3,
			MinProfitRate:          0.0001,
			MinHoldHours:           4,
			MaxPositionAgeHours:    72,
			ProfitErosionThreshold: 0.4,
			MinVolume24h:           1_000_000,
			MinOIUSD:               500_000,
			DryRun:                 true,
		},
		Storage: StorageConfig{Backend: "memory"},
	}
	cfg.ApplyDefaults()
	return cfg
}
