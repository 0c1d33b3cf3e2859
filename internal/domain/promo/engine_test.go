package promo

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/homechef-settlement/internal/domain/money"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(
		Rule{Code: "SAVE50", DiscountType: DiscountFixed, Amount: money.Rupees(50), Description: "₹50 off"},
		Rule{Code: "welcome20", DiscountType: DiscountPercentage, Percent: decimal.NewFromInt(20), MaxDiscount: money.Rupees(100), Description: "20% off up to ₹100"},
		Rule{Code: "FEAST15", DiscountType: DiscountPercentage, Percent: decimal.NewFromInt(15), Description: "15% off"},
		Rule{Code: "BIGCART", DiscountType: DiscountFixed, Amount: money.Rupees(200), MinSubtotal: money.Rupees(1500), Description: "₹200 off above ₹1500"},
	)
	require.NoError(t, err)
	return e
}

func TestEngine_Apply(t *testing.T) {
	e := testEngine(t)

	tests := []struct {
		name     string
		code     string
		subtotal money.Money
		want     money.Money
		valid    bool
	}{
		{name: "flat code", code: "SAVE50", subtotal: money.Rupees(1000), want: money.Rupees(50), valid: true},
		{name: "case insensitive", code: "  save50 ", subtotal: money.Rupees(1000), want: money.Rupees(50), valid: true},
		{name: "flat clamped to subtotal", code: "SAVE50", subtotal: money.Rupees(30), want: money.Rupees(30), valid: true},
		{name: "percentage", code: "FEAST15", subtotal: money.Rupees(200), want: money.Rupees(30), valid: true},
		{name: "percentage rounds half up", code: "FEAST15", subtotal: 10, want: 2, valid: true},
		{name: "percentage capped", code: "WELCOME20", subtotal: money.Rupees(1000), want: money.Rupees(100), valid: true},
		{name: "percentage under cap", code: "WELCOME20", subtotal: money.Rupees(300), want: money.Rupees(60), valid: true},
		{name: "below minimum subtotal", code: "BIGCART", subtotal: money.Rupees(1000), want: 0, valid: false},
		{name: "at minimum subtotal", code: "BIGCART", subtotal: money.Rupees(1500), want: money.Rupees(200), valid: true},
		{name: "unknown code", code: "BOGUS", subtotal: money.Rupees(1000), want: 0, valid: false},
		{name: "empty code", code: "", subtotal: money.Rupees(1000), want: 0, valid: false},
		{name: "zero subtotal", code: "SAVE50", subtotal: 0, want: 0, valid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Apply(tt.code, tt.subtotal)
			assert.Equal(t, tt.want, got.Discount)
			assert.Equal(t, tt.valid, got.Valid)
		})
	}
}

func TestEngine_FlatNeverExceedsSubtotal(t *testing.T) {
	e := testEngine(t)
	for subtotal := money.Money(0); subtotal <= money.Rupees(300); subtotal += 37 {
		for _, code := range []string{"SAVE50", "BIGCART"} {
			res := e.Apply(code, subtotal)
			assert.LessOrEqual(t, res.Discount, subtotal, "code %s subtotal %d", code, subtotal)
			assert.GreaterOrEqual(t, res.Discount, money.Zero)
		}
	}
}

func TestEngine_NilEngineIsInert(t *testing.T) {
	var e *Engine
	res := e.Apply("SAVE50", money.Rupees(100))
	assert.False(t, res.Valid)
	assert.Zero(t, res.Discount)
	assert.Zero(t, e.Len())
}

func TestNewEngine_RejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{name: "empty code", rule: Rule{Code: " ", DiscountType: DiscountFixed}},
		{name: "unknown type", rule: Rule{Code: "X", DiscountType: "bogo"}},
		{name: "percent over 100", rule: Rule{Code: "X", DiscountType: DiscountPercentage, Percent: decimal.NewFromInt(101)}},
		{name: "negative amount", rule: Rule{Code: "X", DiscountType: DiscountFixed, Amount: -1}},
		{name: "negative cap", rule: Rule{Code: "X", DiscountType: DiscountPercentage, MaxDiscount: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.rule)
			require.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestEngine_Lookup(t *testing.T) {
	e := testEngine(t)
	r, ok := e.Lookup("welcome20")
	require.True(t, ok)
	assert.Equal(t, "WELCOME20", r.Code)
	assert.Equal(t, 4, e.Len())
}
