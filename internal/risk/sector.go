package risk

import "math"

// SectorClassifier maps symbols to coarse sectors for the concentration
// correlation proxy. Symbols in the same sector are treated as highly
// correlated.
type SectorClassifier interface {
	Sector(symbol string) string
}

// staticSectors is the built-in taxonomy. Anything unlisted falls into
// a single catch-all sector, which is the conservative choice for the
// concentration proxy.
type staticSectors struct {
	bySymbol map[string]string
}

const defaultSector = "other"

var defaultTaxonomy = map[string]string{
	"BTC":  "currency",
	"LTC":  "currency",
	"BCH":  "currency",
	"XRP":  "currency",
	"ETH":  "smart-contract",
	"SOL":  "smart-contract",
	"ADA":  "smart-contract",
	"AVAX": "smart-contract",
	"DOT":  "smart-contract",
	"ATOM": "smart-contract",
	"NEAR": "smart-contract",
	"LUNA": "smart-contract",
	"LINK": "defi",
	"UNI":  "defi",
	"AAVE": "defi",
	"MKR":  "defi",
	"USDT": "stablecoin",
	"USDC": "stablecoin",
	"DAI":  "stablecoin",
	"UST":  "stablecoin",
	"BNB":  "exchange",
	"FTT":  "exchange",
	"CRO":  "exchange",
	"DOGE": "meme",
	"SHIB": "meme",
}

// DefaultSectors returns the built-in sector taxonomy.
func DefaultSectors() SectorClassifier {
	return staticSectors{bySymbol: defaultTaxonomy}
}

func (s staticSectors) Sector(symbol string) string {
	if sec, ok := s.bySymbol[symbol]; ok {
		return sec
	}
	return defaultSector
}

// SectorWeights aggregates absolute position weights by sector.
func SectorWeights(weights map[string]float64, cls SectorClassifier) map[string]float64 {
	out := make(map[string]float64)
	for sym, w := range weights {
		if w < 0 {
			w = -w
		}
		out[cls.Sector(sym)] += w
	}
	return out
}

// MaxSectorShare is the largest single sector's fraction of gross
// exposure, in [0, 1]. It proxies correlation risk: a book concentrated
// in one sector moves as one trade.
func MaxSectorShare(weights map[string]float64, cls SectorClassifier) float64 {
	gross := 0.0
	for _, w := range weights {
		gross += math.Abs(w)
	}
	if gross <= 0 {
		return 0
	}
	worst := 0.0
	for _, w := range SectorWeights(weights, cls) {
		if share := w / gross; share > worst {
			worst = share
		}
	}
	return worst
}

// DiversificationRatio is the effective number of independent positions,
// 1/HHI over absolute weights. Equal weights across n positions score n;
// one dominant position collapses toward 1.
func DiversificationRatio(weights map[string]float64) float64 {
	flat := make([]float64, 0, len(weights))
	for _, w := range weights {
		flat = append(flat, w)
	}
	hhi := HHI(flat)
	if hhi <= 0 {
		return 0
	}
	return 1 / hhi
}
