package domain

import (
	"fmt"
	"strings"
)

// MarketConfig describes a tradable pair such as BTC_USDC.
type MarketConfig struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

// ParseSymbol splits a BASE_QUOTE ticker into a MarketConfig. Both halves
// must be non-empty and alphanumeric.
func ParseSymbol(symbol string) (MarketConfig, error) {
	base, quote, ok := strings.Cut(symbol, "_")
	if !ok || !isAssetCode(base) || !isAssetCode(quote) {
		return MarketConfig{}, fmt.Errorf("%w: malformed market symbol %q", ErrValidation, symbol)
	}
	return MarketConfig{
		Symbol:     base + "_" + quote,
		BaseAsset:  base,
		QuoteAsset: quote,
	}, nil
}

func isAssetCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
