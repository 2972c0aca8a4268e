package fixedpoint

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"sigmaSquared/internal/model"
)

var decimalScale = decimal.NewFromInt(int64(MantissaScale))

// ParseMantissa converts a decimal string such as "1.9" or "0.05" into its
// 1e8-scaled mantissa.
func ParseMantissa(input string) (uint64, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, fmt.Errorf("%w: empty value", model.ErrInvalidMantissa)
	}
	value, err := decimal.NewFromString(input)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", model.ErrInvalidMantissa, input)
	}
	if value.IsNegative() {
		return 0, fmt.Errorf("%w: %s is negative", model.ErrInvalidMantissa, input)
	}
	scaled := value.Mul(decimalScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than 8 decimal places", model.ErrInvalidMantissa, input)
	}
	if !scaled.BigInt().IsUint64() {
		return 0, fmt.Errorf("%w: %s overflows", model.ErrInvalidMantissa, input)
	}
	return scaled.BigInt().Uint64(), nil
}

// FormatMantissa renders a mantissa as a plain decimal string.
func FormatMantissa(mantissa uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(mantissa), -8).String()
}
