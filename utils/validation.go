package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var hexPattern = regexp.MustCompile("^[0-9a-fA-F]+$")

// ValidateAmount checks if an amount string is a valid decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ParsePrice parses a USD price such as "$0.001" or "0.001".
func ParsePrice(price string) (decimal.Decimal, error) {
	p := strings.TrimSpace(price)
	p = strings.TrimPrefix(p, "$")
	dec, err := ValidateAmount(p)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid price %q: %w", price, err)
	}
	if dec.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("invalid price %q: must be greater than zero", price)
	}
	return *dec, nil
}

// FormatPrice renders a USD price the way it is advertised in challenges.
func FormatPrice(d decimal.Decimal) string {
	return "$" + d.String()
}

// ValidateBigInt checks if a string is a valid big integer
func ValidateBigInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}

	bigInt := new(big.Int)
	_, success := bigInt.SetString(value, 10)
	if !success {
		return nil, fmt.Errorf("invalid big integer format")
	}

	return bigInt, nil
}

// ValidateAddress checks that an address is a 0x-prefixed 20 byte hex string.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !strings.HasPrefix(address, "0x") {
		return fmt.Errorf("address must start with 0x")
	}
	if len(address) != 42 {
		return fmt.Errorf("address must be 42 characters long")
	}
	if !isHexString(address[2:]) {
		return fmt.Errorf("address must be valid hex")
	}
	return nil
}

// ValidateValidityWindow checks an authorization window against now. The
// window may not extend further than maxTimeout into the future.
func ValidateValidityWindow(validAfter, validBefore int64, now time.Time, maxTimeout time.Duration) error {
	ts := now.Unix()
	if validAfter > ts {
		return fmt.Errorf("authorization not yet valid")
	}
	if validBefore <= ts {
		return fmt.Errorf("authorization expired")
	}
	if maxTimeout > 0 && time.Duration(validBefore-ts)*time.Second > maxTimeout {
		return fmt.Errorf("authorization window exceeds %s", maxTimeout)
	}
	return nil
}

// Helper function to check if a string is valid hexadecimal
func isHexString(s string) bool {
	return hexPattern.MatchString(s)
}

// ParseAmountWithDecimals parses a decimal amount string and converts to big.Int with specified decimals
func ParseAmountWithDecimals(amount string, decimals int) (*big.Int, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return nil, err
	}

	return ToAtomicUnits(*dec, int32(decimals))
}

// ToAtomicUnits scales a decimal token amount to integer base units. Amounts
// finer than the token precision are rejected instead of being rounded.
func ToAtomicUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmountFromBigInt formats a big.Int amount to decimal string with specified decimals
func FormatAmountFromBigInt(amount *big.Int, decimals int) string {
	dec := decimal.NewFromBigInt(amount, -int32(decimals))
	return dec.String()
}
