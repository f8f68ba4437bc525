// Package hyperliquid queries live account state from a Hyperliquid info
// endpoint, preferring an operator-local node and falling back to the public
// API.
package hyperliquid

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

// Number decodes the venue's numeric fields, which arrive as JSON strings
// ("123.45"), bare numbers, or null.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	s := string(data)
	if strings.HasPrefix(s, `"`) {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = strings.TrimSpace(unquoted)
		if s == "" {
			*n = 0
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// ClearinghouseState is the response to a clearinghouseState info query.
type ClearinghouseState struct {
	AssetPositions []AssetPosition `json:"assetPositions"`
	MarginSummary  MarginSummary   `json:"marginSummary"`
	Withdrawable   Number          `json:"withdrawable"`
}

type AssetPosition struct {
	Type     string   `json:"type"`
	Position Position `json:"position"`
}

type Position struct {
	Coin           string   `json:"coin"`
	Szi            Number   `json:"szi"`
	EntryPx        Number   `json:"entryPx"`
	PositionValue  Number   `json:"positionValue"`
	UnrealizedPnl  Number   `json:"unrealizedPnl"`
	ReturnOnEquity Number   `json:"returnOnEquity"`
	LiquidationPx  Number   `json:"liquidationPx"`
	MarginUsed     Number   `json:"marginUsed"`
	Leverage       Leverage `json:"leverage"`
}

type Leverage struct {
	Type   string `json:"type"`
	Value  Number `json:"value"`
	RawUsd Number `json:"rawUsd"`
}

type MarginSummary struct {
	AccountValue    Number `json:"accountValue"`
	TotalMarginUsed Number `json:"totalMarginUsed"`
}

// Records converts the state into position records for the target markets.
// Flat positions are skipped. A position whose reported value is known and
// below minValueUSD is filtered; an unknown value falls back to size times
// entry price rather than being dropped.
func (s *ClearinghouseState) Records(address string, targets map[string]struct{}, minValueUSD float64, now time.Time) []domain.PositionRecord {
	var records []domain.PositionRecord
	for _, ap := range s.AssetPositions {
		pos := ap.Position
		coin := strings.ToUpper(pos.Coin)
		if _, ok := targets[coin]; !ok {
			continue
		}
		size := float64(pos.Szi)
		if size == 0 {
			continue
		}

		value := float64(pos.PositionValue)
		if value == 0 && pos.EntryPx != 0 {
			value = abs(size * float64(pos.EntryPx))
		}
		if value > 0 && value < minValueUSD {
			continue
		}

		levType := domain.LeverageType(strings.ToLower(pos.Leverage.Type))
		if levType != domain.LeverageIsolated {
			levType = domain.LeverageCross
		}

		records = append(records, domain.PositionRecord{
			Address:          domain.NormalizeAddress(address),
			Market:           coin,
			PositionSize:     size,
			EntryPrice:       float64(pos.EntryPx),
			LiquidationPrice: float64(pos.LiquidationPx),
			MarginUsed:       float64(pos.MarginUsed),
			PositionValue:    value,
			UnrealizedPnL:    float64(pos.UnrealizedPnl),
			ReturnOnEquity:   float64(pos.ReturnOnEquity),
			LeverageType:     levType,
			LeverageValue:    int(pos.Leverage.Value),
			LeverageRawUSD:   float64(pos.Leverage.RawUsd),
			AccountValue:     float64(s.MarginSummary.AccountValue),
			TotalMarginUsed:  float64(s.MarginSummary.TotalMarginUsed),
			Withdrawable:     float64(s.Withdrawable),
			LastUpdated:      now,
		})
	}
	return records
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// infoRequest is the POST body for the info endpoint.
type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

func (r infoRequest) encode() ([]byte, error) {
	return json.Marshal(r)
}
