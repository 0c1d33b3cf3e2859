package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/homechef-settlement/internal/domain/breakdown"
	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/money"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
	"github.com/xenking/homechef-settlement/internal/domain/promo"
	"github.com/xenking/homechef-settlement/internal/storage/memory"
)

func validConfig() Config {
	sc := ScheduleConfig{
		Frequency:     "weekly",
		AnchorDay:     1,
		MinimumAmount: 50000,
		ProcessingFee: 1000,
		SettlementLag: 48 * time.Hour,
		Active:        true,
	}
	return Config{
		Addr: defaultAddr,
		Checkout: CheckoutConfig{
			GracePeriod:     5 * time.Minute,
			BaseDeliveryFee: 4000,
			TaxRate:         "0.02",
		},
		Payout: PayoutConfig{
			Chef:       sc,
			Delivery:   sc,
			Dispatcher: "log",
		},
	}
}

func TestCheckoutConfig_FeeSchedule(t *testing.T) {
	c := CheckoutConfig{
		BaseDeliveryFee: 4000,
		DeliveryTiers:   []string{"3000:3000", " 6000 : 5000 "},
		PerKmBeyond:     800,
		TaxRate:         "0.05",
	}
	fees, err := c.FeeSchedule()
	require.NoError(t, err)
	assert.Equal(t, []breakdown.Tier{
		{UpToMeters: 3000, Fee: 3000},
		{UpToMeters: 6000, Fee: 5000},
	}, fees.Tiers)
	assert.True(t, money.MustRate("0.05").Equal(fees.TaxRate))

	// 7.5 km is two started kilometres past the last tier.
	assert.Equal(t, money.Money(6600), fees.DeliveryFee(money.Rupees(300), 7500))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "bad tax rate",
			mutate:  func(c *Config) { c.Checkout.TaxRate = "2%" },
			wantErr: "tax rate",
		},
		{
			name:    "malformed tier",
			mutate:  func(c *Config) { c.Checkout.DeliveryTiers = []string{"3000"} },
			wantErr: "max_meters:fee_paise",
		},
		{
			name:    "descending tiers",
			mutate:  func(c *Config) { c.Checkout.DeliveryTiers = []string{"5000:40", "3000:30"} },
			wantErr: "ascend",
		},
		{
			name:    "fee above minimum",
			mutate:  func(c *Config) { c.Payout.Delivery.ProcessingFee = 60000 },
			wantErr: "delivery schedule",
		},
		{
			name:    "unknown frequency",
			mutate:  func(c *Config) { c.Payout.Chef.Frequency = "daily" },
			wantErr: "chef schedule",
		},
		{
			name:    "webhook without url",
			mutate:  func(c *Config) { c.Payout.Dispatcher = "webhook" },
			wantErr: "WEBHOOK_URL",
		},
		{
			name:    "unknown dispatcher",
			mutate:  func(c *Config) { c.Payout.Dispatcher = "carrier-pigeon" },
			wantErr: "unknown payout dispatcher",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_PlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://settle@db/settle")
	t.Setenv("PORT", "9090")

	c := validConfig()
	c.applyPlatformDefaults()
	assert.Equal(t, "postgres://settle@db/settle", c.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9090", c.Addr)

	c = validConfig()
	c.Addr = "127.0.0.1:7000"
	c.DatabaseURL = "postgres://explicit"
	c.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit", c.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", c.Addr)
}

func TestSeedSchedules(t *testing.T) {
	ctx := context.Background()
	lg := zaptest.NewLogger(t)
	store := memory.New()
	engine := payout.NewEngine(payout.EngineDeps{Store: store.Payouts(), Schedules: store})

	cfg := validConfig().Payout
	require.NoError(t, seedSchedules(ctx, lg, engine, cfg))

	chef, err := engine.ActiveSchedule(ctx, ledger.RecipientChef)
	require.NoError(t, err)
	assert.Equal(t, 1, chef.Version)
	assert.Equal(t, money.Money(1000), chef.ProcessingFee)

	// A stored version is kept even when the config changes.
	cfg.Chef.ProcessingFee = 0
	require.NoError(t, seedSchedules(ctx, lg, engine, cfg))
	chef, err = engine.ActiveSchedule(ctx, ledger.RecipientChef)
	require.NoError(t, err)
	assert.Equal(t, 1, chef.Version)
	assert.Equal(t, money.Money(1000), chef.ProcessingFee)

	history, err := store.History(ctx, ledger.RecipientDelivery)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLoadPromos(t *testing.T) {
	store := memory.New()
	store.SetPromoRules(promo.Rule{Code: "save50", DiscountType: promo.DiscountFixed, Amount: money.Rupees(50)})

	engine, err := loadPromos(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.Len())
	_, ok := engine.Lookup("SAVE50")
	assert.True(t, ok)
}
