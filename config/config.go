/*
Package config loads server configuration from the environment.

SOURCES (later wins):
  1. Defaults below
  2. A .env file, if present (github.com/joho/godotenv; never overrides
     variables already set in the process environment)
  3. Process environment
  4. cmd/server flags (-port, -db)

KEYS:
  PORT                 HTTP port                               8080
  DB_PATH              SQLite path, ":memory:" allowed         tontine.db
  WEBHOOK_SECRET       HMAC key for settlement webhooks        required
  JWT_SECRET           HS256 key for API bearer tokens         required
  LOG_LEVEL            debug|info|warn|error                   info
  LOG_FORMAT           text|json                               text
  PLATFORM_FEE_RATE    fraction of each payout                 0.01
  PARTNER_SHARE        fraction of the platform fee            0.30
  COMMUNITY_SHARE      fraction of the platform fee            0.20
  VERIFIED_DISCOUNT    rate multiplier for verified groups     0.5
  PAYOUT_DEDUCT_FEE    withhold the platform fee on payout     false
  INVOICE_EXPIRY       contribution invoice lifetime           1h
  LOCK_TIMEOUT         per-group lock wait                     5s
  SWEEP_INTERVAL       background sweep period                 1m
  EVENT_QUEUE_SIZE     outbound event buffer                   256
  RAIL                 mock|lnd                                mock
  LND_REST_URL         LND REST endpoint                       required for lnd
  LND_MACAROON_HEX     LND macaroon, hex
  LND_TIMEOUT          per-call timeout                        30s
  LND_FEE_LIMIT_SAT    max routing fee per payout, 0 = none    0
  NOTIFY_URL           event webhook for the notification service
  CORS_ORIGINS         comma separated                         *

Fee percentages live only here; the engine receives them as a
tontine.FeeSchedule.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sunusav/tontine-engine/tontine"
)

const (
	RailMock = "mock"
	RailLND  = "lnd"
)

type Config struct {
	Port   int
	DBPath string

	WebhookSecret string
	JWTSecret     string

	LogLevel  string
	LogFormat string

	Fees                tontine.FeeSchedule
	DeductFeeFromPayout bool

	InvoiceExpiry  time.Duration
	LockTimeout    time.Duration
	SweepInterval  time.Duration
	EventQueueSize int

	Rail string
	LND  LND

	NotifyURL   string
	CORSOrigins []string
}

// LND holds the node connection used when Rail is "lnd".
type LND struct {
	URL         string
	MacaroonHex string
	Timeout     time.Duration
	FeeLimitSat int64
}

// Load reads .env files (default ".env"; a missing file is fine) and then
// the process environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load env file: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, which has the signature of
// os.LookupEnv. Every bad value is reported, not just the first.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	p := parser{lookup: lookup}

	cfg := &Config{
		Port:          p.int("PORT", 8080),
		DBPath:        p.string("DB_PATH", "tontine.db"),
		WebhookSecret: p.string("WEBHOOK_SECRET", ""),
		JWTSecret:     p.string("JWT_SECRET", ""),
		LogLevel:      p.string("LOG_LEVEL", "info"),
		LogFormat:     p.string("LOG_FORMAT", "text"),
		Fees: tontine.FeeSchedule{
			PlatformRate:     p.decimal("PLATFORM_FEE_RATE", "0.01"),
			PartnerShare:     p.decimal("PARTNER_SHARE", "0.30"),
			CommunityShare:   p.decimal("COMMUNITY_SHARE", "0.20"),
			VerifiedDiscount: p.decimal("VERIFIED_DISCOUNT", "0.5"),
		},
		DeductFeeFromPayout: p.bool("PAYOUT_DEDUCT_FEE", false),
		InvoiceExpiry:       p.duration("INVOICE_EXPIRY", time.Hour),
		LockTimeout:         p.duration("LOCK_TIMEOUT", 5*time.Second),
		SweepInterval:       p.duration("SWEEP_INTERVAL", time.Minute),
		EventQueueSize:      p.int("EVENT_QUEUE_SIZE", 256),
		Rail:                strings.ToLower(p.string("RAIL", RailMock)),
		LND: LND{
			URL:         p.string("LND_REST_URL", ""),
			MacaroonHex: p.string("LND_MACAROON_HEX", ""),
			Timeout:     p.duration("LND_TIMEOUT", 30*time.Second),
			FeeLimitSat: int64(p.int("LND_FEE_LIMIT_SAT", 0)),
		},
		NotifyURL:   p.string("NOTIFY_URL", ""),
		CORSOrigins: p.list("CORS_ORIGINS", []string{"*"}),
	}

	if len(p.errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(p.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field rules. Flags applied after FromEnv should
// call it again.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT: %d out of range", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH: required"))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET: required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET: required"))
	}
	if err := c.Fees.Validate(); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"INVOICE_EXPIRY": c.InvoiceExpiry,
		"LOCK_TIMEOUT":   c.LockTimeout,
		"SWEEP_INTERVAL": c.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive", name))
		}
	}
	if c.EventQueueSize <= 0 {
		errs = append(errs, errors.New("EVENT_QUEUE_SIZE: must be positive"))
	}
	switch c.Rail {
	case RailMock:
	case RailLND:
		if c.LND.URL == "" {
			errs = append(errs, errors.New("LND_REST_URL: required when RAIL=lnd"))
		}
	default:
		errs = append(errs, fmt.Errorf("RAIL: unknown rail %q", c.Rail))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT: must be text or json, got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// =============================================================================
// PARSING
// =============================================================================

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) raw(key string) (string, bool) {
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) string(key, def string) string {
	if v, ok := p.raw(key); ok {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (p *parser) bool(key string, def bool) bool {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func (p *parser) decimal(key, def string) decimal.Decimal {
	v, ok := p.raw(key)
	if !ok {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a decimal", key, v))
		return decimal.Zero
	}
	return d
}

func (p *parser) list(key string, def []string) []string {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
