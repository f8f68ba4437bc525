package domain

import "time"

// LeverageType is the margin mode of a position.
type LeverageType string

const (
	LeverageCross    LeverageType = "cross"
	LeverageIsolated LeverageType = "isolated"
)

// PositionRecord is one live derivative position for an (address, market)
// pair. A record exists only while the position is open and its USD value
// meets the configured minimum; anything else means the row is deleted, never
// written as a zero row.
type PositionRecord struct {
	Address          string       `json:"address"`
	Market           string       `json:"market"`
	PositionSize     float64      `json:"position_size"` // signed; negative is short
	EntryPrice       float64      `json:"entry_price"`
	LiquidationPrice float64      `json:"liquidation_price"` // taken verbatim from the venue, never derived
	MarginUsed       float64      `json:"margin_used"`
	PositionValue    float64      `json:"position_value"` // USD
	UnrealizedPnL    float64      `json:"unrealized_pnl"`
	ReturnOnEquity   float64      `json:"return_on_equity"`
	LeverageType     LeverageType `json:"leverage_type"`
	LeverageValue    int          `json:"leverage_value"`
	LeverageRawUSD   float64      `json:"leverage_raw_usd"`
	AccountValue     float64      `json:"account_value"`
	TotalMarginUsed  float64      `json:"total_margin_used"`
	Withdrawable     float64      `json:"withdrawable"`
	LastUpdated      time.Time    `json:"last_updated"`
}

// Open reports whether the record represents an open position at or above the
// given USD threshold.
func (p PositionRecord) Open(minValueUSD float64) bool {
	return p.PositionSize != 0 && p.PositionValue >= minValueUSD
}
