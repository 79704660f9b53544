// Package model defines the core value types shared by the quote pipeline and the
// trigger engines.
//
// Quotes keep the numeric fields exactly as the venue sent them. The venue prefixes
// prices with '+' or '-' to signal the tick direction relative to the previous close,
// so the typed accessors strip the sign for prices and keep it for changes. All
// arithmetic uses decimal.Decimal to avoid floating-point drift.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedField is returned by the Quote accessors when a field cannot be parsed.
var ErrMalformedField = errors.New("malformed numeric field")

// Quote is an immutable trade-execution snapshot for one instrument.
type Quote struct {
	Code             string    `json:"code"`              // instrument code, e.g. "005930"
	CurrentPrice     string    `json:"current_price"`     // field 10
	PriceChange      string    `json:"price_change"`      // field 11
	ChangeRate       string    `json:"change_rate"`       // field 12
	CumulativeVolume string    `json:"cumulative_volume"` // field 13
	CumulativeAmount string    `json:"cumulative_amount"` // field 14
	TradingVolume    string    `json:"trading_volume"`    // field 15
	OpenPrice        string    `json:"open_price"`        // field 16
	HighPrice        string    `json:"high_price"`        // field 17
	LowPrice         string    `json:"low_price"`         // field 18
	TradeTime        string    `json:"trade_time"`        // field 20, HHMMSS
	AskPrice         string    `json:"ask_price"`         // field 27
	BidPrice         string    `json:"bid_price"`         // field 28
	ReceivedAt       time.Time `json:"received_at"`       // local receive instant
}

// Price returns the unsigned current price.
func (q Quote) Price() (decimal.Decimal, error) {
	return parseUnsigned("current price", q.CurrentPrice)
}

// Open returns the unsigned opening price.
func (q Quote) Open() (decimal.Decimal, error) {
	return parseUnsigned("open price", q.OpenPrice)
}

// High returns the unsigned high price.
func (q Quote) High() (decimal.Decimal, error) {
	return parseUnsigned("high price", q.HighPrice)
}

// Low returns the unsigned low price.
func (q Quote) Low() (decimal.Decimal, error) {
	return parseUnsigned("low price", q.LowPrice)
}

// Ask returns the unsigned best ask.
func (q Quote) Ask() (decimal.Decimal, error) {
	return parseUnsigned("ask price", q.AskPrice)
}

// Bid returns the unsigned best bid.
func (q Quote) Bid() (decimal.Decimal, error) {
	return parseUnsigned("bid price", q.BidPrice)
}

// Volume returns the unsigned volume of this execution. The venue signs it to mark
// buyer- or seller-initiated trades.
func (q Quote) Volume() (decimal.Decimal, error) {
	return parseUnsigned("trading volume", q.TradingVolume)
}

// Change returns the signed price change against the previous close.
func (q Quote) Change() (decimal.Decimal, error) {
	return parseSigned("price change", q.PriceChange)
}

// Rate returns the signed change rate in percent.
func (q Quote) Rate() (decimal.Decimal, error) {
	return parseSigned("change rate", q.ChangeRate)
}

// TradedAt combines the venue's HHMMSS trade time with the receive date in loc.
func (q Quote) TradedAt(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	clock, err := time.Parse("150405", q.TradeTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: trade time %q", ErrMalformedField, q.TradeTime)
	}
	day := q.ReceivedAt.In(loc)
	return time.Date(day.Year(), day.Month(), day.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, loc), nil
}

func parseUnsigned(field, raw string) (decimal.Decimal, error) {
	d, err := parseSigned(field, raw)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Abs(), nil
}

func parseSigned(field, raw string) (decimal.Decimal, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "+")
	if s == "" || s == "-" {
		return decimal.Zero, fmt.Errorf("%w: %s is empty", ErrMalformedField, field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q", ErrMalformedField, field, raw)
	}
	return d, nil
}

// Candle is one bar of the historical series returned by the candle port.
type Candle struct {
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	OpenTime time.Time       `json:"open_time"`
}
