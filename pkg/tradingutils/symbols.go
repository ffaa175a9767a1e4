package tradingutils

import "strings"

var quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "USD", "BTC", "ETH", "BNB"}

// BaseAsset extracts the base currency from a concatenated spot symbol like
// BTCUSDT. Unknown quote suffixes return the symbol unchanged.
func BaseAsset(symbol string) string {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)]
		}
	}
	return symbol
}

// IsQuoteAsset reports whether the asset is one of the recognized quote
// currencies.
func IsQuoteAsset(asset string) bool {
	for _, q := range quoteAssets {
		if asset == q {
			return true
		}
	}
	return false
}

// QuoteAsset extracts the quote currency from a concatenated spot symbol.
func QuoteAsset(symbol string) string {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return q
		}
	}
	return ""
}
