package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/tidwall/gjson"

	"prediction-systemv1/internal/model"
)

const (
	angelRootURL     = "https://apiconnect.angelone.in"
	angelLoginPath   = "/rest/auth/angelbroking/user/v1/loginByPassword"
	angelCandlePath  = "/rest/secure/angelbroking/historical/v1/getCandleData"
	angelDateLayout  = "2006-01-02 15:04"
	angelStampLayout = time.RFC3339
)

// errAngelSessionExpired distinguishes a 403 (token aged out) from other
// HTTP failures so the caller can clear the held session.
var errAngelSessionExpired = fmt.Errorf("angelone: token expired")

// angelIntervals maps timeframes to SmartAPI candle intervals. Weekly and
// monthly series are not served; those fall through to the next provider.
var angelIntervals = map[model.Timeframe]string{
	model.TF1m:  "ONE_MINUTE",
	model.TF5m:  "FIVE_MINUTE",
	model.TF15m: "FIFTEEN_MINUTE",
	model.TF1h:  "ONE_HOUR",
	model.TF4h:  "FOUR_HOUR",
	model.TF1d:  "ONE_DAY",
}

// AngelOneConfig carries the SmartAPI credentials and the instrument
// token map (symbol → SmartAPI symboltoken) used for candle queries.
type AngelOneConfig struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
	Tokens     map[string]string // e.g. "INFY.NS" → "1594"
	Timeout    time.Duration
}

// AngelOne fetches candles from the Angel One SmartAPI. A session token
// is obtained on first use via TOTP login and refreshed on expiry.
type AngelOne struct {
	cfg     AngelOneConfig
	httpc   *http.Client
	rootURL string

	mu          sync.Mutex
	accessToken string
	loggedInAt  time.Time
}

// NewAngelOne creates the Angel One provider.
func NewAngelOne(cfg AngelOneConfig) *AngelOne {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	return &AngelOne{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		rootURL: angelRootURL,
	}
}

func (a *AngelOne) Name() string { return "angelone" }

// FetchCandles implements model.CandleProvider.
func (a *AngelOne) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Candle, error) {
	interval, ok := angelIntervals[tf]
	if !ok {
		return nil, fmt.Errorf("angelone: unsupported timeframe %s", tf)
	}
	token, ok := a.cfg.Tokens[symbol]
	if !ok {
		return nil, fmt.Errorf("angelone: no instrument token for %q", symbol)
	}
	exchange := "NSE"
	if model.SymbolVenue(symbol) == model.VenueBSE {
		exchange = "BSE"
	}

	access, err := a.session(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().In(model.IST)
	params := map[string]any{
		"exchange":    exchange,
		"symboltoken": token,
		"interval":    interval,
		"fromdate":    tf.WindowStart(now).In(model.IST).Format(angelDateLayout),
		"todate":      now.Format(angelDateLayout),
	}
	body, err := a.post(ctx, angelCandlePath, access, params)
	if err == errAngelSessionExpired {
		// Drop the token so the next call re-logs-in.
		a.mu.Lock()
		a.accessToken = ""
		a.mu.Unlock()
		return nil, fmt.Errorf("angelone: session expired")
	}
	if err != nil {
		return nil, err
	}
	return parseAngelCandles(body)
}

// session returns a live access token, logging in when none is held or
// the held one has aged out.
func (a *AngelOne) session(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// SmartAPI sessions live for the trading day; refresh conservatively.
	if a.accessToken != "" && time.Since(a.loggedInAt) < 6*time.Hour {
		return a.accessToken, nil
	}

	code, err := totp.GenerateCode(a.cfg.TOTPSecret, time.Now())
	if err != nil {
		return "", fmt.Errorf("angelone: totp: %w", err)
	}

	payload := map[string]any{
		"clientcode": a.cfg.ClientCode,
		"password":   a.cfg.Password,
		"totp":       code,
	}
	body, err := a.post(ctx, angelLoginPath, "", payload)
	if err != nil {
		return "", fmt.Errorf("angelone: login: %w", err)
	}

	if !gjson.GetBytes(body, "status").Bool() {
		return "", fmt.Errorf("angelone: login rejected: %s", gjson.GetBytes(body, "message").String())
	}
	tok := gjson.GetBytes(body, "data.jwtToken").String()
	if tok == "" {
		return "", fmt.Errorf("angelone: login returned no token")
	}

	a.accessToken = tok
	a.loggedInAt = time.Now()
	return tok, nil
}

// post sends a SmartAPI JSON request with the standard header set.
func (a *AngelOne) post(ctx context.Context, path, access string, params map[string]any) ([]byte, error) {
	buf, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("angelone: marshal params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.rootURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("angelone: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-PrivateKey", a.cfg.APIKey)
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("angelone: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, errAngelSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("angelone: request %s: status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// parseAngelCandles extracts candles from the getCandleData response:
// data is an array of [timestamp, open, high, low, close, volume] rows
// with RFC3339 timestamps carrying the +05:30 offset.
func parseAngelCandles(body []byte) ([]model.Candle, error) {
	if !gjson.GetBytes(body, "status").Bool() {
		msg := gjson.GetBytes(body, "message").String()
		if strings.Contains(strings.ToLower(msg), "rate") {
			return nil, fmt.Errorf("angelone: rate limited")
		}
		return nil, fmt.Errorf("angelone: api error: %s", msg)
	}

	rows := gjson.GetBytes(body, "data").Array()
	candles := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		cols := row.Array()
		if len(cols) < 6 {
			continue
		}
		ts, err := time.Parse(angelStampLayout, cols[0].String())
		if err != nil {
			continue
		}
		candles = append(candles, model.Candle{
			StartTS: ts.In(model.IST),
			Open:    cols[1].Float(),
			High:    cols[2].Float(),
			Low:     cols[3].Float(),
			Close:   cols[4].Float(),
			Volume:  cols[5].Float(),
		})
	}
	return candles, nil
}
