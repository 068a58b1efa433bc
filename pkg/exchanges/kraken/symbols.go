package kraken

import "strings"

// pairInfo is what AssetPairs tells us about one instrument.
type pairInfo struct {
	Key     string // e.g. XXBTZUSD
	Altname string // e.g. XBTUSD
	Base    string
	Quote   string
	Market  marketLimits
}

type marketLimits struct {
	PriceDecimals  int32
	AmountDecimals int32
	MinAmount      float64
	MinCost        float64
}

var assetAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

// normalizeAsset maps Kraken asset codes (XXBT, ZUSD, XBT.F) to engine codes.
func normalizeAsset(code string) string {
	code = strings.ToUpper(code)
	if i := strings.IndexByte(code, '.'); i > 0 {
		code = code[:i]
	}
	if len(code) == 4 && (code[0] == 'X' || code[0] == 'Z') {
		code = code[1:]
	}
	if alias, ok := assetAliases[code]; ok {
		return alias
	}
	return code
}

// toKrakenAsset is the inverse alias mapping for request parameters.
func toKrakenAsset(code string) string {
	code = strings.ToUpper(code)
	for k, v := range assetAliases {
		if v == code {
			return k
		}
	}
	return code
}

// pairParam converts "BTC/USD" to "XBTUSD".
func pairParam(symbol string) string {
	base, quote, ok := strings.Cut(symbol, "/")
	if !ok {
		return strings.ToUpper(symbol)
	}
	return toKrakenAsset(base) + toKrakenAsset(quote)
}
