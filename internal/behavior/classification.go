package behavior

import (
	"errors"
	"fmt"
	"time"
)

// ErrClassificationUnavailable is returned when no classification can be
// produced or fetched for a wallet.
var ErrClassificationUnavailable = errors.New("classification unavailable")

// Classification is the trading style assigned to a wallet.
type Classification int

const (
	InsufficientData Classification = iota
	MarketMaker
	ArbitrageTrader
	HighFrequencyTrader
	DirectionalTrader
	MixedTrader
	LowActivity

	classificationCount
)

// NumClassifications is the number of classification variants.
const NumClassifications = int(classificationCount)

var classificationNames = [NumClassifications]string{
	InsufficientData:    "insufficient_data",
	MarketMaker:         "market_maker",
	ArbitrageTrader:     "arbitrage_trader",
	HighFrequencyTrader: "high_frequency_trader",
	DirectionalTrader:   "directional_trader",
	MixedTrader:         "mixed_trader",
	LowActivity:         "low_activity",
}

// AllClassifications lists every variant in declaration order.
func AllClassifications() []Classification {
	out := make([]Classification, 0, NumClassifications)
	for c := Classification(0); c < classificationCount; c++ {
		out = append(out, c)
	}
	return out
}

// Valid reports whether c is a declared variant.
func (c Classification) Valid() bool {
	return c >= 0 && c < classificationCount
}

func (c Classification) String() string {
	if !c.Valid() {
		return fmt.Sprintf("classification(%d)", int(c))
	}
	return classificationNames[c]
}

// ParseClassification parses the snake_case name of a variant.
func ParseClassification(s string) (Classification, error) {
	for i, name := range classificationNames {
		if name == s {
			return Classification(i), nil
		}
	}
	return 0, fmt.Errorf("unknown classification %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Classification) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid classification %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Classification) UnmarshalText(b []byte) error {
	parsed, err := ParseClassification(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// SubScores are the normalized market-maker factors behind a probability.
// A factor that could not be computed is left at zero and listed in Missing.
type SubScores struct {
	Frequency         float64  `json:"frequency"`
	Balance           float64  `json:"balance"`
	ShortHolding      float64  `json:"short_holding"`
	MultiMarket       float64  `json:"multi_market"`
	VolumeConsistency float64  `json:"volume_consistency"`
	SpreadMaintenance float64  `json:"spread_maintenance"`
	BurstTrading      float64  `json:"burst_trading"`
	Missing           []string `json:"missing,omitempty"`
}

// WalletClassification is one analysis snapshot for a wallet. Snapshots are
// never mutated after creation; newer snapshots supersede older ones.
type WalletClassification struct {
	WalletID       string         `json:"wallet_id"`
	Classification Classification `json:"classification"`
	Probability    float64        `json:"probability"`
	Confidence     float64        `json:"confidence"`
	TradeCount     int            `json:"trade_count"`
	Metrics        Metrics        `json:"metrics"`
	SubScores      SubScores      `json:"sub_scores"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Sufficient reports whether the wallet had enough data to be classified.
func (wc *WalletClassification) Sufficient() bool {
	return wc != nil && wc.Classification != InsufficientData
}

// Clone returns a deep copy.
func (wc *WalletClassification) Clone() *WalletClassification {
	if wc == nil {
		return nil
	}
	out := *wc
	if wc.SubScores.Missing != nil {
		out.SubScores.Missing = append([]string(nil), wc.SubScores.Missing...)
	}
	return &out
}
