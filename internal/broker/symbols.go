package broker

import "strings"

// NSE series suffixes a base ticker may trade under. -EQ is the normal
// rolling-settlement series; -BE/-BZ are trade-for-trade, -BL is block deals.
var seriesSuffixes = []string{"-EQ", "-BE", "-BL", "-BZ"}

// BaseSymbol strips one known series suffix from a broker symbol.
// Tickers that legitimately contain a dash (BAJAJ-AUTO) are left intact
// because only the known series suffixes are removed.
func BaseSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, suf := range seriesSuffixes {
		if strings.HasSuffix(s, suf) {
			return strings.TrimSuffix(s, suf)
		}
	}
	return s
}

// SymbolVariants returns every broker form a base ticker may appear under,
// the bare base first.
func SymbolVariants(base string) []string {
	b := strings.ToUpper(strings.TrimSpace(base))
	variants := make([]string, 0, len(seriesSuffixes)+1)
	variants = append(variants, b)
	for _, suf := range seriesSuffixes {
		variants = append(variants, b+suf)
	}
	return variants
}

// SameBase reports whether two broker symbols refer to the same ticker
// regardless of series suffix.
func SameBase(a, b string) bool {
	return BaseSymbol(a) == BaseSymbol(b)
}
