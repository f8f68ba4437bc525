package hyperliquid

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hyperwatch/internal/config"
	"github.com/alanyoungcy/hyperwatch/internal/domain"
)

const testAddr = "0xAbCd111111111111111111111111111111111111"

var sampleState = `{
	"assetPositions": [
		{"type": "oneWay", "position": {
			"coin": "BTC",
			"szi": "1.5",
			"entryPx": "60000.0",
			"positionValue": "97500.0",
			"unrealizedPnl": "7500.0",
			"returnOnEquity": "0.25",
			"liquidationPx": "41000.0",
			"marginUsed": "30000.0",
			"leverage": {"type": "cross", "value": 3, "rawUsd": "97500.0"}
		}},
		{"type": "oneWay", "position": {
			"coin": "DOGE",
			"szi": "100000",
			"positionValue": "8000.0",
			"leverage": {"type": "isolated", "value": 10}
		}}
	],
	"marginSummary": {"accountValue": "150000.0", "totalMarginUsed": "30000.0"},
	"withdrawable": "120000.0"
}`

func testClient(primary, fallback string) *Client {
	return NewClient(config.APIConfig{
		PrimaryURL:  primary,
		FallbackURL: fallback,
		MaxRetries:  3,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func stateServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		var req infoRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "clearinghouseState", req.Type)
		assert.Equal(t, "0xabcd111111111111111111111111111111111111", req.User)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, sampleState)
	}))
}

func TestClearinghouseStatePrimary(t *testing.T) {
	srv := stateServer(t, nil)
	defer srv.Close()

	c := testClient(srv.URL, "")
	state, source, err := c.ClearinghouseState(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, SourcePrimary, source)
	require.Len(t, state.AssetPositions, 2)
	assert.InDelta(t, 1.5, float64(state.AssetPositions[0].Position.Szi), 1e-9)
	assert.InDelta(t, 150000.0, float64(state.MarginSummary.AccountValue), 1e-9)
	assert.InDelta(t, 120000.0, float64(state.Withdrawable), 1e-9)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.PrimarySuccess)
	assert.Equal(t, int64(1), stats.TotalQueries)
	assert.Equal(t, int64(0), stats.FallbackSuccess)
}

func TestFallbackAfterPrimaryExhaustion(t *testing.T) {
	var primaryHits atomic.Int64
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	var fallbackHits atomic.Int64
	fallback := stateServer(t, &fallbackHits)
	defer fallback.Close()

	c := testClient(primary.URL, fallback.URL)
	_, source, err := c.ClearinghouseState(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, source)
	assert.Equal(t, int64(3), primaryHits.Load())
	assert.Equal(t, int64(1), fallbackHits.Load())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.PrimaryFailures)
	assert.Equal(t, int64(1), stats.FallbackSuccess)
	assert.Equal(t, int64(0), stats.FallbackFailures)
}

func TestRetryThenSuccessOnSameEndpoint(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, sampleState)
	}))
	defer srv.Close()

	c := testClient(srv.URL, "")
	_, source, err := c.ClearinghouseState(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, SourcePrimary, source)
	assert.Equal(t, int64(3), hits.Load())
}

func TestAllEndpointsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.URL)
	_, _, err := c.ClearinghouseState(context.Background(), testAddr)
	assert.ErrorIs(t, err, domain.ErrQueryFailed)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.PrimaryFailures)
	assert.Equal(t, int64(1), stats.FallbackFailures)
}

func TestContextCancellationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := testClient(srv.URL, "")
	_, _, err := c.ClearinghouseState(ctx, testAddr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecordsFiltersAndConverts(t *testing.T) {
	var state ClearinghouseState
	require.NoError(t, json.Unmarshal([]byte(sampleState), &state))

	targets := map[string]struct{}{"BTC": {}, "ETH": {}}
	now := time.Now()
	records := state.Records(testAddr, targets, 300, now)

	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "0xabcd111111111111111111111111111111111111", rec.Address)
	assert.Equal(t, "BTC", rec.Market)
	assert.InDelta(t, 1.5, rec.PositionSize, 1e-9)
	assert.InDelta(t, 97500.0, rec.PositionValue, 1e-9)
	assert.InDelta(t, 41000.0, rec.LiquidationPrice, 1e-9)
	assert.Equal(t, domain.LeverageCross, rec.LeverageType)
	assert.Equal(t, 3, rec.LeverageValue)
	assert.InDelta(t, 120000.0, rec.Withdrawable, 1e-9)
	assert.Equal(t, now, rec.LastUpdated)
}

func TestRecordsBelowThresholdFiltered(t *testing.T) {
	raw := `{"assetPositions": [{"position": {"coin": "BTC", "szi": "0.0001", "positionValue": "6.5"}}]}`
	var state ClearinghouseState
	require.NoError(t, json.Unmarshal([]byte(raw), &state))

	records := state.Records(testAddr, map[string]struct{}{"BTC": {}}, 300, time.Now())
	assert.Empty(t, records)
}

func TestRecordsValueFallsBackToEntryPrice(t *testing.T) {
	raw := `{"assetPositions": [{"position": {"coin": "BTC", "szi": "-0.5", "entryPx": "60000"}}]}`
	var state ClearinghouseState
	require.NoError(t, json.Unmarshal([]byte(raw), &state))

	records := state.Records(testAddr, map[string]struct{}{"BTC": {}}, 300, time.Now())
	require.Len(t, records, 1)
	assert.InDelta(t, 30000.0, records[0].PositionValue, 1e-9)
	assert.InDelta(t, -0.5, records[0].PositionSize, 1e-9)
}

func TestNumberDecoding(t *testing.T) {
	var v struct {
		A Number `json:"a"`
		B Number `json:"b"`
		C Number `json:"c"`
		D Number `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": "12.5", "b": 7, "c": null, "d": ""}`), &v))
	assert.InDelta(t, 12.5, float64(v.A), 1e-9)
	assert.InDelta(t, 7.0, float64(v.B), 1e-9)
	assert.Zero(t, float64(v.C))
	assert.Zero(t, float64(v.D))
}
