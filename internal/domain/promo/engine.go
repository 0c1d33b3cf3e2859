package promo

import (
	"github.com/go-faster/errors"

	"github.com/xenking/homechef-settlement/internal/domain/money"
)

// Result is the outcome of applying a code. Invalid codes are a soft
// condition: Valid is false and Discount is zero.
type Result struct {
	Code        string
	Discount    money.Money
	Valid       bool
	Description string
}

// Engine evaluates promo codes against an immutable rule table.
type Engine struct {
	rules map[string]Rule
}

// NewEngine builds an Engine from rules. Later duplicates of a code replace
// earlier ones.
func NewEngine(rules ...Rule) (*Engine, error) {
	table := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		r.Code = NormalizeCode(r.Code)
		table[r.Code] = r
	}
	return &Engine{rules: table}, nil
}

// MustEngine is like NewEngine but panics on an invalid rule.
func MustEngine(rules ...Rule) *Engine {
	e, err := NewEngine(rules...)
	if err != nil {
		panic(errors.Wrap(err, "build promo engine"))
	}
	return e
}

// Len returns the number of rules in the table.
func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Lookup returns the rule for code.
func (e *Engine) Lookup(code string) (Rule, bool) {
	if e == nil {
		return Rule{}, false
	}
	r, ok := e.rules[NormalizeCode(code)]
	return r, ok
}

// Apply computes the discount code grants on subtotal. It never fails:
// unknown codes, empty codes and carts below the rule minimum all yield an
// invalid result with zero discount.
func (e *Engine) Apply(code string, subtotal money.Money) Result {
	norm := NormalizeCode(code)
	res := Result{Code: norm}
	if norm == "" || subtotal < 0 {
		return res
	}

	rule, ok := e.Lookup(norm)
	if !ok {
		return res
	}
	if rule.MinSubtotal > 0 && subtotal < rule.MinSubtotal {
		return res
	}

	var discount money.Money
	switch rule.DiscountType {
	case DiscountPercentage:
		discount = money.ApplyRate(subtotal, rule.Percent.Shift(-2))
		if rule.MaxDiscount > 0 && discount > rule.MaxDiscount {
			discount = rule.MaxDiscount
		}
	case DiscountFixed:
		discount = rule.Amount
	default:
		return res
	}

	res.Discount = discount.Clamp(0, subtotal)
	res.Valid = true
	res.Description = rule.Description
	return res
}
