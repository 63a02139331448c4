package model

import "github.com/shopspring/decimal"

// DailyUsage is one day of consumption against the daily limit.
type DailyUsage struct {
	DeviceID     string
	Date         string // YYYY-MM-DD, UTC
	DayStartUTC  int64
	TotalLiters  decimal.Decimal
	ReadingCount int64
	LimitLiters  float64
	Percent      float64
}

// UsagePercent is total as a percentage of limit. No usage is always 0%.
func UsagePercent(total decimal.Decimal, limit float64) float64 {
	if total.IsZero() || limit <= 0 {
		return 0
	}
	return total.Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromFloat(limit)).
		Round(2).
		InexactFloat64()
}
