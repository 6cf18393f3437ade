package gateway

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidationError marks a malformed callback payload. User-visible as a
// 4xx; never retried internally.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

const (
	stellarAccountLength = 56
	maxAssetCodeLength   = 12
)

// validateCallback checks the inbound payload and returns the parsed
// amount. All failures are ValidationErrors.
func validateCallback(p CallbackPayload) (decimal.Decimal, error) {
	if p.ID == "" {
		return decimal.Decimal{}, &ValidationError{Field: "id", Reason: "must not be empty"}
	}

	amount, err := decimal.NewFromString(p.AmountIn)
	if err != nil {
		return decimal.Decimal{}, &ValidationError{Field: "amount_in", Reason: "must be a decimal number"}
	}
	if !amount.IsPositive() {
		return decimal.Decimal{}, &ValidationError{Field: "amount_in", Reason: "must be greater than zero"}
	}

	if len(p.StellarAccount) != stellarAccountLength || !strings.HasPrefix(p.StellarAccount, "G") {
		return decimal.Decimal{}, &ValidationError{
			Field:  "stellar_account",
			Reason: "must be a 56-character account id starting with G",
		}
	}

	if len(p.AssetCode) < 1 || len(p.AssetCode) > maxAssetCodeLength {
		return decimal.Decimal{}, &ValidationError{
			Field:  "asset_code",
			Reason: fmt.Sprintf("length must be between 1 and %d", maxAssetCodeLength),
		}
	}

	return amount, nil
}
