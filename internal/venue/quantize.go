package venue

import "github.com/shopspring/decimal"

// FloorToQuantum rounds value down to a multiple of quantum. A non-positive
// quantum leaves the value untouched.
func FloorToQuantum(value, quantum decimal.Decimal) decimal.Decimal {
	if !quantum.IsPositive() {
		return value
	}
	return value.Div(quantum).Floor().Mul(quantum)
}

// CeilToQuantum rounds value up to a multiple of quantum.
func CeilToQuantum(value, quantum decimal.Decimal) decimal.Decimal {
	if !quantum.IsPositive() {
		return value
	}
	return value.Div(quantum).Ceil().Mul(quantum)
}

func QuantizePrice(v Venue, pair string, price decimal.Decimal) decimal.Decimal {
	return FloorToQuantum(price, v.PriceQuantum(pair, price))
}

func QuantizeAmount(v Venue, pair string, amount decimal.Decimal) decimal.Decimal {
	return FloorToQuantum(amount, v.SizeQuantum(pair, amount))
}

// SignificantQuantum returns the step that keeps digits significant digits
// of price, e.g. 0.00001 for 0.945 at five digits.
func SignificantQuantum(price decimal.Decimal, digits int32) decimal.Decimal {
	if !price.IsPositive() || digits <= 0 {
		return decimal.Zero
	}
	// NumDigits counts the coefficient digits; shift by the exponent to get
	// the position of the leading digit.
	magnitude := int32(price.NumDigits()) + price.Exponent() - 1
	return decimal.New(1, magnitude-digits+1)
}
