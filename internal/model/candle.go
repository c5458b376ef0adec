package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Venue suffixes carried by symbols.
const (
	VenueNSE = ".NS"
	VenueBSE = ".BO"
)

// Candle represents one OHLCV bar for a single symbol and timeframe.
// StartTS is the bucket start, kept in IST so the wire representation
// retains the +05:30 offset.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	StartTS   time.Time `json:"start_ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Key returns the topic key for this candle's subject: "symbol:timeframe".
func (c *Candle) Key() string {
	return c.Symbol + ":" + string(c.Timeframe)
}

// Identity is the uniqueness triple (symbol, timeframe, start_ts) as a
// string, usable as a map key.
func (c *Candle) Identity() string {
	return c.Key() + ":" + c.StartTS.In(IST).Format(time.RFC3339)
}

// Equal reports whether two candles carry the same identity and values.
func (c *Candle) Equal(o *Candle) bool {
	return c.Symbol == o.Symbol && c.Timeframe == o.Timeframe &&
		c.StartTS.Equal(o.StartTS) &&
		c.Open == o.Open && c.High == o.High &&
		c.Low == o.Low && c.Close == o.Close && c.Volume == o.Volume
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// SymbolVenue returns the venue suffix of a symbol, or "" when the symbol
// carries no recognized suffix.
func SymbolVenue(symbol string) string {
	switch {
	case strings.HasSuffix(symbol, VenueNSE):
		return VenueNSE
	case strings.HasSuffix(symbol, VenueBSE):
		return VenueBSE
	}
	return ""
}

// ValidSymbol reports whether the symbol is non-empty and tagged with a
// known venue suffix.
func ValidSymbol(symbol string) bool {
	return len(symbol) > 3 && SymbolVenue(symbol) != ""
}
