package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"prediction-systemv1/internal/model"
)

const twelveDataBaseURL = "https://api.twelvedata.com/time_series"

// twelveDataIntervals maps timeframes to Twelve Data interval strings.
var twelveDataIntervals = map[model.Timeframe]string{
	model.TF1m:  "1min",
	model.TF5m:  "5min",
	model.TF15m: "15min",
	model.TF1h:  "1h",
	model.TF4h:  "4h",
	model.TF1d:  "1day",
	model.TF1wk: "1week",
	model.TF1mo: "1month",
}

// twelveDataLayout is the datetime format of the values array.
const twelveDataLayout = "2006-01-02 15:04:05"

// TwelveData fetches candles from the Twelve Data time_series API.
// Venue-suffixed symbols translate to symbol + exchange parameters
// ("INFY.NS" → symbol=INFY, exchange=NSE).
type TwelveData struct {
	apiKey  string
	httpc   *http.Client
	baseURL string
}

// NewTwelveData creates the Twelve Data provider.
func NewTwelveData(apiKey string, timeout time.Duration) *TwelveData {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &TwelveData{
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
		baseURL: twelveDataBaseURL,
	}
}

func (t *TwelveData) Name() string { return "twelvedata" }

// FetchCandles implements model.CandleProvider.
func (t *TwelveData) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Candle, error) {
	interval, ok := twelveDataIntervals[tf]
	if !ok {
		return nil, fmt.Errorf("twelvedata: unsupported timeframe %s", tf)
	}
	native, exchange, err := splitVenue(symbol)
	if err != nil {
		return nil, fmt.Errorf("twelvedata: %w", err)
	}

	q := url.Values{}
	q.Set("symbol", native)
	q.Set("exchange", exchange)
	q.Set("interval", interval)
	q.Set("outputsize", "5000")
	q.Set("timezone", "Asia/Kolkata")
	q.Set("start_date", tf.WindowStart(time.Now()).In(model.IST).Format(twelveDataLayout))
	q.Set("apikey", t.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("twelvedata: build request: %w", err)
	}

	resp, err := t.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twelvedata: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("twelvedata: rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("twelvedata: fetch %s: status %d", symbol, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("twelvedata: read body: %w", err)
	}
	return parseTwelveData(body)
}

// parseTwelveData extracts candles from the time_series response. Twelve
// Data returns values newest first; the slice is reversed so downstream
// sees provider order oldest first.
func parseTwelveData(body []byte) ([]model.Candle, error) {
	if status := gjson.GetBytes(body, "status"); status.String() == "error" {
		return nil, fmt.Errorf("twelvedata: api error: %s", gjson.GetBytes(body, "message").String())
	}

	values := gjson.GetBytes(body, "values").Array()
	candles := make([]model.Candle, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		v := values[i]
		dt, err := time.ParseInLocation(twelveDataLayout, v.Get("datetime").String(), model.IST)
		if err != nil {
			// Daily-and-above series carry date-only datetimes.
			dt, err = time.ParseInLocation("2006-01-02", v.Get("datetime").String(), model.IST)
			if err != nil {
				continue
			}
		}
		candles = append(candles, model.Candle{
			StartTS: dt,
			Open:    v.Get("open").Float(),
			High:    v.Get("high").Float(),
			Low:     v.Get("low").Float(),
			Close:   v.Get("close").Float(),
			Volume:  v.Get("volume").Float(),
		})
	}
	return candles, nil
}

// splitVenue converts a venue-suffixed symbol to the provider-native
// symbol and exchange name.
func splitVenue(symbol string) (native, exchange string, err error) {
	switch model.SymbolVenue(symbol) {
	case model.VenueNSE:
		return strings.TrimSuffix(symbol, model.VenueNSE), "NSE", nil
	case model.VenueBSE:
		return strings.TrimSuffix(symbol, model.VenueBSE), "BSE", nil
	}
	return "", "", fmt.Errorf("symbol %q has no venue suffix", symbol)
}
