package usecase

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/fighter4/ChartSight/internal/domain/models"
	"github.com/fighter4/ChartSight/internal/pipeline"
)

// TimeframeMerger enforces higher-timeframe primacy over the readings and
// the synthesized plan.
type TimeframeMerger struct {
	// Penalty is subtracted from confidence when a counter-trend signal is flagged.
	Penalty int
	// MinConfidence is the floor under which a counter-trend plan becomes no trade.
	MinConfidence int
}

func NewTimeframeMerger(penalty, minConfidence int) *TimeframeMerger {
	return &TimeframeMerger{Penalty: penalty, MinConfidence: minConfidence}
}

type labeledReading struct {
	label   string
	reading models.TimeframeReading
}

func (m *TimeframeMerger) Merge(run *pipeline.Run, req *models.AnalysisRequest) (*models.AnalysisResult, error) {
	var readings []labeledReading
	for n := 1; n <= models.MaxTimeframes; n++ {
		r, ok := pipeline.Output[models.TimeframeReading](run, TimeframeStage(n))
		if !ok {
			continue
		}
		label := r.Timeframe
		if req != nil {
			label = req.TimeframeLabel(n - 1)
		}
		readings = append(readings, labeledReading{label: label, reading: r})
	}
	if _, ok := pipeline.Output[models.TimeframeReading](run, TimeframeStage(1)); !ok {
		return nil, errors.New("highest timeframe reading failed")
	}
	htf := readings[0]
	primary := trendBias(htf.reading)

	var res *models.AnalysisResult
	var planBias models.Bias
	if synth, ok := pipeline.Output[models.TimeframeSynthesis](run, StageTFSynthesis); ok {
		res = synth.AnalysisResult.Clone()
		planBias = synth.Bias
	} else {
		res = fallbackPlan(readings, primary)
		planBias = primary
	}
	if res.Confidence == 0 {
		res.Confidence = htf.reading.Confidence
	}

	conflicts := contradictions(readings[1:], primary)
	if opposes(primary, planBias) || opposes(primary, direction(res.Trend)) {
		conflicts = append(conflicts, "the synthesized plan")
	}
	flagged := res.CounterTrend
	if len(conflicts) == 0 && !flagged {
		return res, nil
	}
	// A plan the synthesis flagged itself is penalized once, unless its
	// confidence already sits a penalty below the highest timeframe.
	ceiling := htf.reading.Confidence - m.Penalty
	if flagged && res.Confidence <= ceiling {
		return res, nil
	}

	res.CounterTrend = true
	conf := res.Confidence - m.Penalty
	if flagged {
		conf = min(conf, ceiling)
	}
	note := fmt.Sprintf("Counter-trend: the synthesis flagged this plan against the %s %s bias.", htf.label, primary)
	if len(conflicts) > 0 {
		note = fmt.Sprintf("Counter-trend: %s contradicts the %s %s bias.", strings.Join(conflicts, " and "), htf.label, primary)
	}
	if conf < m.MinConfidence {
		res.Confidence = max(conf, 1)
		res.Decision = string(models.DecisionNoTrade)
		res.Entry, res.StopLoss, res.RRR = models.NotAvailable, models.NotAvailable, models.NotAvailable
		res.TakeProfit = []string{}
		res.Recommendation = fmt.Sprintf("No trade: lower timeframes are not aligned with the %s %s bias.", htf.label, primary)
		res.Reasoning = appendNote(res.Reasoning, note+" Confidence fell below the trading threshold.")
		return res, nil
	}
	res.Confidence = conf
	res.Reasoning = appendNote(res.Reasoning, note+" Confidence reduced.")
	return res, nil
}

// trendBias maps the highest timeframe trend to a bias. A ranging HTF defers
// to its own setup.
func trendBias(r models.TimeframeReading) models.Bias {
	if b := direction(r.Trend); b != models.BiasNeutral {
		return b
	}
	return r.Setup
}

// direction maps a trend label to the bias it implies.
func direction(trend string) models.Bias {
	switch trend {
	case "Uptrend":
		return models.BiasLong
	case "Downtrend":
		return models.BiasShort
	default:
		return models.BiasNeutral
	}
}

func opposes(primary, b models.Bias) bool {
	return primary != models.BiasNeutral && b != models.BiasNeutral && b != primary
}

// contradictions lists lower readings whose setup or trend points against
// the primary bias.
func contradictions(lower []labeledReading, primary models.Bias) []string {
	var out []string
	for _, lr := range lower {
		switch {
		case opposes(primary, lr.reading.Setup):
			out = append(out, fmt.Sprintf("the %s %s setup", lr.label, lr.reading.Setup))
		case opposes(primary, direction(lr.reading.Trend)):
			out = append(out, fmt.Sprintf("the %s %s", lr.label, strings.ToLower(lr.reading.Trend)))
		}
	}
	return out
}

// fallbackPlan builds a deterministic report from the readings when the
// synthesis stage did not produce one.
func fallbackPlan(readings []labeledReading, primary models.Bias) *models.AnalysisResult {
	htf := readings[0]
	res := &models.AnalysisResult{
		Trend:      htf.reading.Trend,
		KeyLevels:  splitLevels(htf.reading.KeyLevels, htf.label),
		Indicators: []models.Indicator{},
		Patterns:   []models.Pattern{},
		Entry:      models.NotAvailable,
		StopLoss:   models.NotAvailable,
		TakeProfit: []string{},
		RRR:        models.NotAvailable,
		Confidence: htf.reading.Confidence,
	}

	var structure, reasoning strings.Builder
	fmt.Fprintf(&reasoning, "Synthesis was unavailable, so this plan is built from %d timeframe reading(s).\n", len(readings))
	for i, lr := range readings {
		if i > 0 {
			structure.WriteString("; ")
		}
		fmt.Fprintf(&structure, "%s: %s", lr.label, lr.reading.Structure)
		fmt.Fprintf(&reasoning, "\n- %s: %s, %s, setup %s (confidence %d/10)",
			lr.label, lr.reading.Trend, lr.reading.Structure, lr.reading.Setup, lr.reading.Confidence)
		if lr.reading.Pattern != "" {
			res.Patterns = append(res.Patterns, models.Pattern{
				Name:        fmt.Sprintf("%s (%s)", lr.reading.Pattern, lr.label),
				Probability: lr.reading.Confidence * 10,
				Status:      models.PatternActive,
			})
		}
	}
	res.Structure = structure.String()
	res.Reasoning = reasoning.String()

	if primary == models.BiasNeutral {
		res.Decision = string(models.DecisionNoTrade)
		res.Recommendation = fmt.Sprintf("No trade: the %s chart shows no directional bias.", htf.label)
	} else {
		res.Recommendation = fmt.Sprintf("%s bias from the %s chart. Wait for lower timeframe confirmation before entering.",
			strings.ToUpper(string(primary[:1]))+string(primary[1:]), htf.label)
	}
	return res
}

// splitLevels sorts levels and assigns the lower half to support.
func splitLevels(levels []float64, label string) models.KeyLevels {
	sorted := slices.Clone(levels)
	slices.Sort(sorted)
	out := models.KeyLevels{Support: []models.KeyLevel{}, Resistance: []models.KeyLevel{}}
	half := (len(sorted) + 1) / 2
	for i, v := range sorted {
		lvl := models.KeyLevel{Zone: strconv.FormatFloat(v, 'f', -1, 64), Strength: label}
		if i < half {
			out.Support = append(out.Support, lvl)
		} else {
			out.Resistance = append(out.Resistance, lvl)
		}
	}
	return out
}

func appendNote(reasoning, note string) string {
	if reasoning == "" {
		return note
	}
	return reasoning + "\n\n" + note
}
