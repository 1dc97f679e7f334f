// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fee-ledger/billing"
	"github.com/warp/fee-ledger/ledger"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither -config nor CONFIG_PATH is given.
const DefaultPath = "./configs/ledger.yaml"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Stripe    StripeConfig    `yaml:"stripe"`
	Kafka     KafkaConfig     `yaml:"kafka"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`

	// Demo mounts the /api/scenarios routes.
	Demo bool `yaml:"demo"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type LedgerConfig struct {
	Currency             string `yaml:"currency"`
	CadenceUnit          string `yaml:"cadence_unit"`
	CadenceInterval      int    `yaml:"cadence_interval"`
	DefaultThresholdDays int    `yaml:"default_threshold_days"`
	DueSoonDays          int    `yaml:"due_soon_days"`
	ReceiptPrefix        string `yaml:"receipt_prefix"`
	ReceiptType          string `yaml:"receipt_type"`
}

// AlertsConfig mirrors ledger.AlertPolicy. Percentages are 0-100,
// the collection rate is a fraction.
type AlertsConfig struct {
	OverdueCriticalDays        int           `yaml:"overdue_critical_days"`
	OverdueWarningDays         int           `yaml:"overdue_warning_days"`
	DueSoonInfoDays            int           `yaml:"due_soon_info_days"`
	AttendanceCriticalBelow    float64       `yaml:"attendance_critical_below"`
	AttendanceWarningBelow     float64       `yaml:"attendance_warning_below"`
	InquiryWarningDays         int           `yaml:"inquiry_warning_days"`
	InquiryInfoDays            int           `yaml:"inquiry_info_days"`
	BatchStartWindowDays       int           `yaml:"batch_start_window_days"`
	CollectionRateWarningBelow float64       `yaml:"collection_rate_warning_below"`
	Lookback                   time.Duration `yaml:"lookback"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type StripeConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	BackendURL    string `yaml:"backend_url"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns the configuration used for any field the file omits.
func Default() *Config {
	policy := ledger.DefaultAlertPolicy()
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{Path: "./ledger.db"},
		Log:      LogConfig{Level: "info", Format: "json", Output: "stdout"},
		Ledger: LedgerConfig{
			Currency:             "npr",
			CadenceUnit:          string(ledger.CadenceMonth),
			CadenceInterval:      1,
			DefaultThresholdDays: ledger.DefaultThresholdDays,
			DueSoonDays:          ledger.DefaultDueSoonDays,
			ReceiptPrefix:        "RCP",
			ReceiptType:          string(ledger.ReceiptTuitionFee),
		},
		Alerts: AlertsConfig{
			OverdueCriticalDays:        policy.OverdueCriticalDays,
			OverdueWarningDays:         policy.OverdueWarningDays,
			DueSoonInfoDays:            policy.DueSoonInfoDays,
			AttendanceCriticalBelow:    policy.AttendanceCriticalBelow.InexactFloat64(),
			AttendanceWarningBelow:     policy.AttendanceWarningBelow.InexactFloat64(),
			InquiryWarningDays:         policy.InquiryWarningDays,
			InquiryInfoDays:            policy.InquiryInfoDays,
			BatchStartWindowDays:       policy.BatchStartWindowDays,
			CollectionRateWarningBelow: policy.CollectionRateWarningBelow.InexactFloat64(),
			Lookback:                   365 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{Enabled: true, Interval: time.Hour},
		Kafka:     KafkaConfig{Topic: "fee-ledger.events"},
	}
}

// ResolvePath picks the config file: explicit flag, then CONFIG_PATH,
// then DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error when path is DefaultPath, so the server runs with no config.
// Stripe secrets may also come from STRIPE_SECRET_KEY and
// STRIPE_WEBHOOK_SECRET.
func Load(path string) (*Config, error) {
	cfg := Default()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		cfg.Stripe.SecretKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Stripe.WebhookSecret = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if err := c.cadence().Validate(); err != nil {
		problems = append(problems, "ledger: "+err.Error())
	}
	if !ledger.ReceiptType(c.Ledger.ReceiptType).IsValid() {
		problems = append(problems, fmt.Sprintf("ledger.receipt_type %q is not a receipt type", c.Ledger.ReceiptType))
	}
	if len(c.Ledger.Currency) != 3 {
		problems = append(problems, fmt.Sprintf("ledger.currency %q must be a 3-letter code", c.Ledger.Currency))
	}
	if c.Ledger.DefaultThresholdDays <= 0 {
		problems = append(problems, "ledger.default_threshold_days must be positive")
	}
	if c.Alerts.OverdueWarningDays > c.Alerts.OverdueCriticalDays {
		problems = append(problems, "alerts.overdue_warning_days exceeds overdue_critical_days")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		problems = append(problems, "scheduler.interval must be positive when enabled")
	}
	if c.Stripe.Enabled && c.Stripe.SecretKey == "" {
		problems = append(problems, "stripe.secret_key is required when stripe is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		problems = append(problems, "kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) cadence() ledger.Cadence {
	return ledger.Cadence{Unit: ledger.CadenceUnit(c.Ledger.CadenceUnit), Interval: c.Ledger.CadenceInterval}
}

// Billing converts the ledger and alert sections into billing.Config.
func (c *Config) Billing() billing.Config {
	return billing.Config{
		Currency:             c.Ledger.Currency,
		Cadence:              c.cadence(),
		DefaultThresholdDays: c.Ledger.DefaultThresholdDays,
		DueSoonDays:          c.Ledger.DueSoonDays,
		ReceiptPrefix:        c.Ledger.ReceiptPrefix,
		ReceiptType:          ledger.ReceiptType(c.Ledger.ReceiptType),
		AlertPolicy: ledger.AlertPolicy{
			OverdueCriticalDays:        c.Alerts.OverdueCriticalDays,
			OverdueWarningDays:         c.Alerts.OverdueWarningDays,
			DueSoonInfoDays:            c.Alerts.DueSoonInfoDays,
			AttendanceCriticalBelow:    decimal.NewFromFloat(c.Alerts.AttendanceCriticalBelow),
			AttendanceWarningBelow:     decimal.NewFromFloat(c.Alerts.AttendanceWarningBelow),
			InquiryWarningDays:         c.Alerts.InquiryWarningDays,
			InquiryInfoDays:            c.Alerts.InquiryInfoDays,
			BatchStartWindowDays:       c.Alerts.BatchStartWindowDays,
			CollectionRateWarningBelow: decimal.NewFromFloat(c.Alerts.CollectionRateWarningBelow),
		},
		AlertLookback: c.Alerts.Lookback,
	}
}
