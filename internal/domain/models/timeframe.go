package models

import "strings"

// Timeframe represents a chart resolution label.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
)

var timeframeAliases = map[string]Timeframe{
	"m1": TF1m, "1min": TF1m,
	"m5": TF5m, "5min": TF5m,
	"m15": TF15m, "15min": TF15m,
	"h1": TF1h, "60m": TF1h,
	"h4": TF4h, "240m": TF4h,
	"d1": TF1d, "1day": TF1d, "daily": TF1d,
	"w1": TF1w, "1week": TF1w, "weekly": TF1w,
}

// IsValidTimeframe returns true if tf is a supported timeframe.
func IsValidTimeframe(tf Timeframe) bool {
	switch tf {
	case TF1m, TF5m, TF15m, TF1h, TF4h, TF1d, TF1w:
		return true
	default:
		return false
	}
}

// NormalizeTimeframe converts a raw label to a supported timeframe. Unknown
// labels normalize to empty so the caller falls back to rank labels.
func NormalizeTimeframe(s string) Timeframe {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	tf := Timeframe(s)
	if IsValidTimeframe(tf) {
		return tf
	}
	if alias, ok := timeframeAliases[s]; ok {
		return alias
	}
	return ""
}
