package models

import (
	"fmt"
	"slices"
)

// TradingStyle tailors the analysis horizon.
type TradingStyle string

const (
	StyleScalper        TradingStyle = "Scalper"
	StyleDayTrader      TradingStyle = "Day Trader"
	StyleSwingTrader    TradingStyle = "Swing Trader"
	StylePositionTrader TradingStyle = "Position Trader"
)

// IsValid reports whether s is empty (no preference) or a known style.
func (s TradingStyle) IsValid() bool {
	switch s {
	case "", StyleScalper, StyleDayTrader, StyleSwingTrader, StylePositionTrader:
		return true
	}
	return false
}

// PatternStatus is the lifecycle state of a chart formation.
type PatternStatus string

const (
	PatternForming     PatternStatus = "Forming"
	PatternActive      PatternStatus = "Active"
	PatternConfirmed   PatternStatus = "Confirmed"
	PatternInvalidated PatternStatus = "Invalidated"
)

// KeyLevel is a price zone graded by strength.
type KeyLevel struct {
	Zone     string `json:"zone" validate:"required"`
	Strength string `json:"strength" validate:"required"`
}

// KeyLevels groups support and resistance zones.
type KeyLevels struct {
	Support    []KeyLevel `json:"support" validate:"required,dive"`
	Resistance []KeyLevel `json:"resistance" validate:"required,dive"`
}

// Indicator summarizes one visible indicator signal.
type Indicator struct {
	Name   string `json:"name" validate:"required"`
	Signal string `json:"signal" validate:"required"`
}

// PatternPsychology describes who is positioned behind a pattern.
type PatternPsychology struct {
	RetailSentiment        string   `json:"retail_sentiment"`
	SmartMoney             string   `json:"smart_money"`
	LiquidityZones         []string `json:"liquidity_zones"`
	FalseSignalProbability int      `json:"false_signal_probability" validate:"gte=0,lte=100"`
}

// Pattern is one identified chart or candlestick formation. The enhanced
// fields are only filled by the pattern recognizer stage.
type Pattern struct {
	Name        string        `json:"name" validate:"required"`
	Probability int           `json:"probability" validate:"gte=0,lte=100"`
	Status      PatternStatus `json:"status" validate:"required,oneof=Forming Active Confirmed Invalidated"`

	Type                string             `json:"type,omitempty" validate:"omitempty,oneof=Continuation Reversal Neutral"`
	FormationQuality    int                `json:"formation_quality,omitempty" validate:"omitempty,min=1,max=10"`
	VolumeConfirmation  int                `json:"volume_confirmation,omitempty" validate:"omitempty,min=1,max=10"`
	MarketContext       int                `json:"market_context,omitempty" validate:"omitempty,min=1,max=10"`
	TimeframeConfluence int                `json:"timeframe_confluence,omitempty" validate:"omitempty,min=1,max=10"`
	ProbabilityScore    int                `json:"probability_score,omitempty" validate:"omitempty,min=1,max=100"`
	Stage               string             `json:"stage,omitempty"`
	Psychology          *PatternPsychology `json:"psychology,omitempty"`
	InvalidationLevel   float64            `json:"invalidation_level,omitempty"`
	TargetZones         []float64          `json:"target_zones,omitempty"`
	TimeHorizon         string             `json:"time_horizon,omitempty"`
}

// AnalysisResult is the externally visible report. A failed run is encoded
// in the same shape, see DegradedResult.
type AnalysisResult struct {
	Trend          string      `json:"trend" validate:"required"`
	Structure      string      `json:"structure" validate:"required"`
	KeyLevels      KeyLevels   `json:"key_levels"`
	Indicators     []Indicator `json:"indicators" validate:"required,dive"`
	Patterns       []Pattern   `json:"patterns" validate:"required,dive"`
	Entry          string      `json:"entry" validate:"required"`
	StopLoss       string      `json:"stop_loss" validate:"required"`
	TakeProfit     []string    `json:"take_profit" validate:"required"`
	RRR            string      `json:"RRR" validate:"required"`
	Recommendation string      `json:"recommendation" validate:"required"`
	Reasoning      string      `json:"reasoning" validate:"required"`

	Decision     string `json:"decision,omitempty"`
	CounterTrend bool   `json:"counter_trend,omitempty"`
	Confidence   int    `json:"confidence,omitempty" validate:"omitempty,min=1,max=10"`

	AnnotatedPhotoDataURI string `json:"annotatedPhotoDataUri,omitempty"`
}

const (
	// TrendError marks a degraded result.
	TrendError = "Error"
	// NotAvailable fills trade plan fields that could not be produced.
	NotAvailable = "N/A"
)

// DegradedResult builds the error sentinel returned when a mandatory stage
// could not produce a report.
func DegradedResult(reason string) *AnalysisResult {
	if reason == "" {
		reason = "Unknown error"
	}
	return &AnalysisResult{
		Trend:          TrendError,
		Structure:      "An error occurred during analysis.",
		KeyLevels:      KeyLevels{Support: []KeyLevel{}, Resistance: []KeyLevel{}},
		Indicators:     []Indicator{},
		Patterns:       []Pattern{},
		Entry:          NotAvailable,
		StopLoss:       NotAvailable,
		TakeProfit:     []string{},
		RRR:            NotAvailable,
		Recommendation: fmt.Sprintf("Analysis failed: %s. Please try again.", reason),
		Reasoning:      fmt.Sprintf("The analysis could not be completed due to an internal error: %s", reason),
	}
}

// IsDegraded reports whether r is the error sentinel.
func (r *AnalysisResult) IsDegraded() bool {
	return r == nil || r.Trend == TrendError
}

// Clone returns a deep copy so callers can decorate a result without
// touching a cached or shared value.
func (r *AnalysisResult) Clone() *AnalysisResult {
	if r == nil {
		return nil
	}
	c := *r
	c.KeyLevels.Support = slices.Clone(r.KeyLevels.Support)
	c.KeyLevels.Resistance = slices.Clone(r.KeyLevels.Resistance)
	c.Indicators = slices.Clone(r.Indicators)
	c.Patterns = slices.Clone(r.Patterns)
	c.TakeProfit = slices.Clone(r.TakeProfit)
	return &c
}
