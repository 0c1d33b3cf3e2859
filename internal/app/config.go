package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"github.com/xenking/homechef-settlement/internal/domain/breakdown"
	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/money"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
	"github.com/xenking/homechef-settlement/internal/rail"
	"github.com/xenking/homechef-settlement/internal/scheduler"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from a .env
// file, environment variables (SETTLE_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (SETTLE_DATABASE_URL or DATABASE_URL); empty keeps state in memory" flag:"database-url"`
	Checkout    CheckoutConfig
	Payout      PayoutConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// CheckoutConfig controls pricing and the cancellation window.
type CheckoutConfig struct {
	GracePeriod       time.Duration `default:"5m" usage:"Cancellation window after placement" flag:"grace-period"`
	BaseDeliveryFee   int64         `default:"4000" usage:"Delivery fee in paise when no tier matches"`
	DeliveryTiers     []string      `usage:"Delivery fee tiers as max_meters:fee_paise, ascending"`
	PerKmBeyond       int64         `default:"0" usage:"Fee in paise per started km past the last tier"`
	FreeDeliveryAbove int64         `default:"0" usage:"Subtotal in paise from which delivery is free; 0 disables"`
	TaxRate           string        `default:"0.02" usage:"Tax rate applied to the subtotal"`
	ServiceFee        int64         `default:"0" usage:"Flat service fee in paise"`
}

// FeeSchedule converts the config into the calculator's fee schedule.
func (c CheckoutConfig) FeeSchedule() (breakdown.FeeSchedule, error) {
	rate, err := money.ParseRate(c.TaxRate)
	if err != nil {
		return breakdown.FeeSchedule{}, errors.Wrap(err, "tax rate")
	}
	fees := breakdown.FeeSchedule{
		BaseDeliveryFee:   money.Money(c.BaseDeliveryFee),
		PerKmBeyond:       money.Money(c.PerKmBeyond),
		FreeDeliveryAbove: money.Money(c.FreeDeliveryAbove),
		TaxRate:           rate,
		ServiceFee:        money.Money(c.ServiceFee),
	}
	for _, raw := range c.DeliveryTiers {
		meters, fee, ok := strings.Cut(raw, ":")
		if !ok {
			return fees, errors.Errorf("delivery tier %q: want max_meters:fee_paise", raw)
		}
		m, err := strconv.ParseInt(strings.TrimSpace(meters), 10, 64)
		if err != nil {
			return fees, errors.Wrapf(err, "delivery tier %q", raw)
		}
		f, err := strconv.ParseInt(strings.TrimSpace(fee), 10, 64)
		if err != nil {
			return fees, errors.Wrapf(err, "delivery tier %q", raw)
		}
		if n := len(fees.Tiers); n > 0 && m <= fees.Tiers[n-1].UpToMeters {
			return fees, errors.Errorf("delivery tier %q: distances must ascend", raw)
		}
		fees.Tiers = append(fees.Tiers, breakdown.Tier{UpToMeters: m, Fee: money.Money(f)})
	}
	return fees, nil
}

// PayoutConfig controls schedules, jobs and the payout rail.
type PayoutConfig struct {
	Chef     ScheduleConfig
	Delivery ScheduleConfig

	BatchSpec   string        `default:"0 2 * * *" usage:"Cron spec for payout batch generation; empty disables"`
	SweepSpec   string        `default:"@every 30s" usage:"Cron spec for confirming orders past their window; empty disables"`
	SweepLimit  int           `default:"500" usage:"Max orders confirmed per sweep"`
	AutoProcess bool          `default:"false" usage:"Hand off pending payouts right after each batch" flag:"auto-process"`
	JobTimeout  time.Duration `default:"2m" usage:"Timeout for one scheduled job"`
	Concurrency int           `default:"4" usage:"Parallel hand-offs during bulk processing"`

	Dispatcher string `default:"log" usage:"Payout rail: log or webhook"`
	Webhook    WebhookConfig
}

// ScheduleConfig seeds a recipient type's schedule when none is stored yet.
// Later changes go through the schedules API and create new versions.
type ScheduleConfig struct {
	Frequency     string        `default:"weekly" usage:"weekly, bi-weekly or monthly"`
	AnchorDay     int           `default:"1" usage:"Weekday periods end on (0 is Sunday), or day of month 1..28"`
	MinimumAmount int64         `default:"50000" usage:"Minimum gross earnings in paise for a payout"`
	ProcessingFee int64         `default:"1000" usage:"Fee in paise deducted once per payout"`
	SettlementLag time.Duration `default:"48h" usage:"Time after period end a payout is due"`
	Active        bool          `default:"true" usage:"Whether batches are generated"`
}

// Schedule converts the config into a schedule for rt.
func (c ScheduleConfig) Schedule(rt ledger.RecipientType) payout.Schedule {
	return payout.Schedule{
		RecipientType: rt,
		Frequency:     payout.Frequency(c.Frequency),
		AnchorDay:     c.AnchorDay,
		MinimumAmount: money.Money(c.MinimumAmount),
		ProcessingFee: money.Money(c.ProcessingFee),
		SettlementLag: c.SettlementLag,
		Active:        c.Active,
	}
}

// WebhookConfig points the webhook rail at the payment provider.
type WebhookConfig struct {
	URL     string        `usage:"Payout provider base URL"`
	Token   string        `usage:"Bearer token for the payout provider"`
	Timeout time.Duration `default:"15s" usage:"Payout provider request timeout"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"300" usage:"Max requests per window; 0 disables"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// SchedulerConfig returns the cron job settings.
func (c PayoutConfig) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		BatchSpec:   c.BatchSpec,
		SweepSpec:   c.SweepSpec,
		SweepLimit:  c.SweepLimit,
		AutoProcess: c.AutoProcess,
		JobTimeout:  c.JobTimeout,
	}
}

// RailConfig returns the webhook rail settings.
func (c PayoutConfig) RailConfig() rail.WebhookConfig {
	return rail.WebhookConfig{
		BaseURL: c.Webhook.URL,
		Token:   c.Webhook.Token,
		Timeout: c.Webhook.Timeout,
	}
}

// LoadConfig loads .env, then configuration from environment variables and
// YAML config files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SETTLE",
		Files:     []string{"config.yaml", "/etc/settle/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the services would fail on later.
func (c *Config) Validate() error {
	if _, err := c.Checkout.FeeSchedule(); err != nil {
		return errors.Wrap(err, "checkout")
	}
	for rt, sc := range map[ledger.RecipientType]ScheduleConfig{
		ledger.RecipientChef:     c.Payout.Chef,
		ledger.RecipientDelivery: c.Payout.Delivery,
	} {
		if err := sc.Schedule(rt).Validate(); err != nil {
			return errors.Wrapf(err, "%s schedule", rt)
		}
	}
	switch c.Payout.Dispatcher {
	case "log":
	case "webhook":
		if c.Payout.Webhook.URL == "" {
			return errors.New("webhook dispatcher needs SETTLE_PAYOUT_WEBHOOK_URL")
		}
	default:
		return errors.Errorf("unknown payout dispatcher %q", c.Payout.Dispatcher)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's SETTLE_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
