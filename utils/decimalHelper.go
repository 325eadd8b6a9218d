package utils

import "github.com/shopspring/decimal"

// WithinTolerance reports whether |a - b| <= tol. Monetary totals in this
// codebase compare with a small tolerance to absorb unit-price/quantity
// rounding; exact comparisons use decimal.Equal directly.
func WithinTolerance(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tol)
}
