// Package candles derives touch prices from historical candles and defines the port
// that supplies them.
//
// The calculators are pure: they sort a copy of the input by OpenTime and never look
// at the clock. The newest candle in a series is treated as the still-forming bar.
package candles

import (
	"errors"
	"fmt"
	"sort"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/model"

	"github.com/shopspring/decimal"
)

// ErrInsufficientData means the series is too short for the requested calculation.
var ErrInsufficientData = errors.New("insufficient candle data")

// MovingAverageTouchPrice averages the closes of the period-1 candles that precede the
// newest one and rounds to a whole price unit. At least period candles are needed.
//
// With closes 90000, 87000, 83000, 77000, 73000 (newest first) and period 5 the newest
// bar is skipped and the result is (87000+83000+77000+73000)/4 = 80000.
func MovingAverageTouchPrice(series []model.Candle, period int) (decimal.Decimal, error) {
	if period < 2 {
		return decimal.Zero, fmt.Errorf("period must be at least 2, got %d", period)
	}
	if len(series) < period {
		return decimal.Zero, fmt.Errorf("%w: need %d candles, have %d", ErrInsufficientData, period, len(series))
	}

	sorted := ascending(series)
	window := sorted[len(sorted)-period : len(sorted)-1]

	sum := decimal.Zero
	for _, c := range window {
		sum = sum.Add(c.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(len(window)))).Round(0), nil
}

// TrendLineTouchPrice projects a line from the first candle's close, rising by slope per
// candle, to the newest candle. The series must start at the anchor date. It returns
// the projected target and the anchor price it started from.
func TrendLineTouchPrice(series []model.Candle, slope decimal.Decimal) (target, anchor decimal.Decimal, err error) {
	if len(series) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: no candles since anchor date", ErrInsufficientData)
	}

	sorted := ascending(series)
	anchor = sorted[0].Close
	steps := decimal.NewFromInt(int64(len(sorted) - 1))
	return anchor.Add(slope.Mul(steps)), anchor, nil
}

func ascending(series []model.Candle) []model.Candle {
	sorted := make([]model.Candle, len(series))
	copy(sorted, series)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OpenTime.Before(sorted[j].OpenTime)
	})
	return sorted
}
