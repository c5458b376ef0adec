package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"prediction-systemv1/internal/model"
)

const yahooBaseURL = "https://query1.finance.yahoo.com/v8/finance/chart"

// yahooIntervals maps timeframes to Yahoo chart API intervals. Yahoo has
// no 4h interval; that timeframe falls through to the next provider.
var yahooIntervals = map[model.Timeframe]string{
	model.TF1m:  "1m",
	model.TF5m:  "5m",
	model.TF15m: "15m",
	model.TF1h:  "60m",
	model.TF1d:  "1d",
	model.TF1wk: "1wk",
	model.TF1mo: "1mo",
}

// yahooRanges maps window labels to Yahoo range parameters.
var yahooRanges = map[string]string{
	"7d": "7d", "60d": "60d", "730d": "730d",
	"2y": "2y", "5y": "5y", "10y": "10y",
}

// Yahoo fetches candles from the Yahoo Finance chart API. NSE/BSE symbols
// are passed through unchanged: Yahoo uses the same .NS/.BO suffixes.
type Yahoo struct {
	httpc   *http.Client
	baseURL string
}

// NewYahoo creates the Yahoo provider.
func NewYahoo(timeout time.Duration) *Yahoo {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Yahoo{
		httpc:   &http.Client{Timeout: timeout},
		baseURL: yahooBaseURL,
	}
}

func (y *Yahoo) Name() string { return "yahoo" }

// FetchCandles implements model.CandleProvider.
func (y *Yahoo) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Candle, error) {
	interval, ok := yahooIntervals[tf]
	if !ok {
		return nil, fmt.Errorf("yahoo: unsupported timeframe %s", tf)
	}
	rng := yahooRanges[tf.WindowLabel()]

	url := fmt.Sprintf("%s/%s?interval=%s&range=%s", y.baseURL, symbol, interval, rng)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("yahoo: build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; predserver/1.0)")

	resp, err := y.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yahoo: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yahoo: fetch %s: status %d", symbol, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("yahoo: read body: %w", err)
	}
	return parseYahooChart(body)
}

// parseYahooChart extracts candles from the chart response. Entries with
// null quote values (Yahoo emits them for halted periods) are skipped.
func parseYahooChart(body []byte) ([]model.Candle, error) {
	root := gjson.GetBytes(body, "chart.result.0")
	if !root.Exists() {
		if msg := gjson.GetBytes(body, "chart.error.description"); msg.Exists() {
			return nil, fmt.Errorf("yahoo: api error: %s", msg.String())
		}
		return nil, fmt.Errorf("yahoo: empty chart result")
	}

	timestamps := root.Get("timestamp").Array()
	quote := root.Get("indicators.quote.0")
	opens := quote.Get("open").Array()
	highs := quote.Get("high").Array()
	lows := quote.Get("low").Array()
	closes := quote.Get("close").Array()
	volumes := quote.Get("volume").Array()

	candles := make([]model.Candle, 0, len(timestamps))
	for i, ts := range timestamps {
		if i >= len(opens) || i >= len(highs) || i >= len(lows) || i >= len(closes) {
			break
		}
		if opens[i].Type == gjson.Null || closes[i].Type == gjson.Null {
			continue
		}
		c := model.Candle{
			StartTS: time.Unix(ts.Int(), 0).In(model.IST),
			Open:    opens[i].Float(),
			High:    highs[i].Float(),
			Low:     lows[i].Float(),
			Close:   closes[i].Float(),
		}
		if i < len(volumes) {
			c.Volume = volumes[i].Float()
		}
		candles = append(candles, c)
	}
	return candles, nil
}
