/*
config.go - Server configuration

PURPOSE:
  One place for every tunable of the ledger, the achievement engine and the
  HTTP server. Defaults match the product rules; a YAML file and
  environment variables override them.

LOAD ORDER (later wins):
  1. Default()
  2. .env in the working directory (if present)
  3. YAML file passed with --config
  4. LEDGER_* environment variables

EXAMPLE (config.yaml):
  server:
    addr: ":8080"
  database:
    path: ./data/ledger.db
  ledger:
    ad_cooldown: 5m
    ad_rewards: {standard: 5, premium: 15, interactive: 10}
    daily_bonus_timezone: Asia/Seoul
  achievements:
    referral_cap: 50
    rarity_refresh_interval: 10m
  log:
    level: debug
    format: json

SEE ALSO:
  - cmd/server/main.go: Reads the file named by --config
  - ledger/ledger.go: ledger.Config
  - achievement/engine.go: achievement.Config
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/creatorhub/ledger-engine/achievement"
	"github.com/creatorhub/ledger-engine/ledger"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Achievements AchievementsConfig `yaml:"achievements"`
	API          APIConfig          `yaml:"api"`
	Log          LogConfig          `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Path is the SQLite file. ":memory:" keeps everything in memory.
	Path string `yaml:"path"`
}

type LedgerConfig struct {
	AdCooldown         time.Duration    `yaml:"ad_cooldown"`
	AdRewards          map[string]int64 `yaml:"ad_rewards"`
	ReferralReward     int64            `yaml:"referral_reward"`
	DailyBonus         int64            `yaml:"daily_bonus"`
	DailyBonusTimezone string           `yaml:"daily_bonus_timezone"`
	MaxMetadataLength  int              `yaml:"max_metadata_length"`
	StoreTimeout       time.Duration    `yaml:"store_timeout"`
}

type AchievementsConfig struct {
	ReferralCap           int64         `yaml:"referral_cap"`
	LookupTimeout         time.Duration `yaml:"lookup_timeout"`
	MaxCascadeSteps       int           `yaml:"max_cascade_steps"`
	ActiveWindowDays      int           `yaml:"active_window_days"`
	RarityRefreshInterval time.Duration `yaml:"rarity_refresh_interval"`
	// CatalogPath, when set, is imported at startup.
	CatalogPath string `yaml:"catalog_path"`
}

type APIConfig struct {
	// TransactionsLimit caps the page size of transaction listings.
	TransactionsLimit int `yaml:"transactions_limit"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the production defaults.
func Default() Config {
	lc := ledger.DefaultConfig()
	ac := achievement.DefaultConfig()

	rewards := make(map[string]int64, len(lc.AdRewards))
	for tier, amount := range lc.AdRewards {
		rewards[string(tier)] = amount
	}

	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Path: "ledger.db"},
		Ledger: LedgerConfig{
			AdCooldown:         lc.AdCooldown,
			AdRewards:          rewards,
			ReferralReward:     lc.ReferralReward,
			DailyBonus:         lc.DailyBonus,
			DailyBonusTimezone: "UTC",
			MaxMetadataLength:  lc.MaxMetadataLength,
			StoreTimeout:       lc.StoreTimeout,
		},
		Achievements: AchievementsConfig{
			ReferralCap:           ac.ReferralCap,
			LookupTimeout:         ac.LookupTimeout,
			MaxCascadeSteps:       ac.MaxCascadeSteps,
			ActiveWindowDays:      int(achievement.DefaultActiveWindow / (24 * time.Hour)),
			RarityRefreshInterval: 10 * time.Minute,
		},
		API: APIConfig{TransactionsLimit: 100},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from defaults, .env, the optional YAML file
// at path and the environment, then validates it.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LEDGER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("LEDGER_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("LEDGER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LEDGER_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("LEDGER_DAILY_BONUS_TZ"); v != "" {
		c.Ledger.DailyBonusTimezone = v
	}
	if v := os.Getenv("LEDGER_CORS_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("LEDGER_AD_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LEDGER_AD_COOLDOWN: %w", err)
		}
		c.Ledger.AdCooldown = d
	}
	if v := os.Getenv("LEDGER_REFERRAL_CAP"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("LEDGER_REFERRAL_CAP: %w", err)
		}
		c.Achievements.ReferralCap = n
	}
	return nil
}

// Validate rejects values the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Database.Path != "", "database.path is required")

	check(c.Ledger.AdCooldown >= 0, "ledger.ad_cooldown must not be negative")
	for _, tier := range []ledger.AdTier{ledger.AdStandard, ledger.AdPremium, ledger.AdInteractive} {
		check(c.Ledger.AdRewards[string(tier)] > 0, "ledger.ad_rewards.%s must be positive", tier)
	}
	check(c.Ledger.ReferralReward > 0, "ledger.referral_reward must be positive")
	check(c.Ledger.DailyBonus > 0, "ledger.daily_bonus must be positive")
	check(c.Ledger.MaxMetadataLength > 0, "ledger.max_metadata_length must be positive")
	if _, err := time.LoadLocation(c.Ledger.DailyBonusTimezone); err != nil {
		errs = append(errs, fmt.Errorf("ledger.daily_bonus_timezone: %w", err))
	}

	check(c.Achievements.ReferralCap >= 0, "achievements.referral_cap must not be negative")
	check(c.Achievements.MaxCascadeSteps > 0, "achievements.max_cascade_steps must be positive")
	check(c.Achievements.ActiveWindowDays > 0, "achievements.active_window_days must be positive")
	check(c.Achievements.RarityRefreshInterval > 0, "achievements.rarity_refresh_interval must be positive")

	check(c.API.TransactionsLimit > 0, "api.transactions_limit must be positive")

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)

	return errors.Join(errs...)
}

// LedgerConfig converts the ledger section for ledger.NewService.
func (c Config) LedgerConfig() (ledger.Config, error) {
	loc, err := time.LoadLocation(c.Ledger.DailyBonusTimezone)
	if err != nil {
		return ledger.Config{}, fmt.Errorf("ledger.daily_bonus_timezone: %w", err)
	}
	rewards := make(map[ledger.AdTier]int64, len(c.Ledger.AdRewards))
	for tier, amount := range c.Ledger.AdRewards {
		rewards[ledger.AdTier(tier)] = amount
	}
	return ledger.Config{
		AdCooldown:        c.Ledger.AdCooldown,
		AdRewards:         rewards,
		ReferralReward:    c.Ledger.ReferralReward,
		DailyBonus:        c.Ledger.DailyBonus,
		Location:          loc,
		MaxMetadataLength: c.Ledger.MaxMetadataLength,
		StoreTimeout:      c.Ledger.StoreTimeout,
	}, nil
}

func (c Config) AchievementConfig() achievement.Config {
	return achievement.Config{
		ReferralCap:     c.Achievements.ReferralCap,
		LookupTimeout:   c.Achievements.LookupTimeout,
		MaxCascadeSteps: c.Achievements.MaxCascadeSteps,
	}
}

// ActiveWindow is the rarity denominator window.
func (c Config) ActiveWindow() time.Duration {
	return time.Duration(c.Achievements.ActiveWindowDays) * 24 * time.Hour
}

// NewLogger builds the process logger from the log section.
func NewLogger(lc LogConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	if lc.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
