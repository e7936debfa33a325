package usecase

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/fighter4/ChartSight/internal/domain/models"
	"github.com/fighter4/ChartSight/internal/pipeline"
)

// DebateMerger turns the arbiter's decision into the report. Proposal A is
// the bull persona, B the bear.
type DebateMerger struct {
	Bull, Bear Persona
}

func NewDebateMerger(g *Graphs) *DebateMerger {
	bull, bear := g.Personas()
	return &DebateMerger{Bull: bull, Bear: bear}
}

func (m *DebateMerger) Merge(run *pipeline.Run, _ *models.AnalysisRequest) (*models.AnalysisResult, error) {
	decision, ok := pipeline.Output[models.ArbitrationDecision](run, StageArbiter)
	if !ok {
		return nil, errors.New("arbitration produced no decision")
	}
	bull, okA := pipeline.Output[models.PersonaProposal](run, StageBull)
	bear, okB := pipeline.Output[models.PersonaProposal](run, StageBear)
	if !okA || !okB {
		return nil, errors.New("debate is missing a proposal")
	}

	res := &models.AnalysisResult{
		Trend:     decision.Trend,
		Structure: decision.Structure,
		KeyLevels: models.KeyLevels{
			Support:    slices.Clone(decision.KeyLevels.Support),
			Resistance: slices.Clone(decision.KeyLevels.Resistance),
		},
		Indicators:     slices.Clone(decision.Indicators),
		Patterns:       slices.Clone(decision.Patterns),
		Entry:          decision.Entry,
		StopLoss:       decision.StopLoss,
		TakeProfit:     slices.Clone(decision.TakeProfit),
		RRR:            decision.RRR,
		Recommendation: decision.Recommendation,
		Decision:       string(decision.Decision),
		Confidence:     decision.Confidence,
	}

	var adopted *models.PersonaProposal
	var adoptedName string
	switch decision.Decision {
	case models.DecisionAdoptA:
		adopted, adoptedName = &bull, m.Bull.Name
	case models.DecisionAdoptB:
		adopted, adoptedName = &bear, m.Bear.Name
	}
	if adopted != nil && !adopted.Viable {
		// An adopted proposal without a setup cannot be traded.
		res.Decision = string(models.DecisionNoTrade)
		res.Recommendation = fmt.Sprintf("No trade: %s found no viable setup.", adoptedName)
		adopted = nil
	}

	switch {
	case adopted != nil:
		fillPlan(res, adopted)
	case res.Decision == string(models.DecisionNoTrade):
		res.Entry, res.StopLoss, res.RRR = models.NotAvailable, models.NotAvailable, models.NotAvailable
		res.TakeProfit = []string{}
	}
	fillBlanks(res)

	if isBlank(res.Recommendation) {
		res.Recommendation = defaultRecommendation(models.Decision(res.Decision), adoptedName, adopted, decision.Justification)
	}
	res.Reasoning = m.reasoning(decision, bull, bear)
	return res, nil
}

func (m *DebateMerger) reasoning(d models.ArbitrationDecision, bull, bear models.PersonaProposal) string {
	var b strings.Builder
	b.WriteString(d.Justification)
	fmt.Fprintf(&b, "\n\n### Proposal A: %s (%s)\n", m.Bull.Name, bull.Bias)
	writeProposal(&b, bull, d.ProposalAAssessment)
	fmt.Fprintf(&b, "\n\n### Proposal B: %s (%s)\n", m.Bear.Name, bear.Bias)
	writeProposal(&b, bear, d.ProposalBAssessment)
	return b.String()
}

func writeProposal(b *strings.Builder, p models.PersonaProposal, assessment string) {
	if !p.Viable {
		b.WriteString("No viable setup found.\n")
	}
	fmt.Fprintf(b, "%s\n", p.Thesis)
	for _, kp := range p.KeyPoints {
		fmt.Fprintf(b, "- %s\n", kp)
	}
	if p.Viable {
		fmt.Fprintf(b, "- Entry: %s, Stop-Loss: %s, Take-Profit: %s\n",
			orNA(p.Entry), orNA(p.StopLoss), orNA(strings.Join(p.TakeProfit, ", ")))
	}
	fmt.Fprintf(b, "- Justification: %s\n", p.Justification)
	fmt.Fprintf(b, "- Confidence: %d/10\n", p.Confidence)
	fmt.Fprintf(b, "\n**Assessment:** %s", assessment)
}

// fillPlan copies the adopted proposal into fields the arbiter left blank.
func fillPlan(res *models.AnalysisResult, p *models.PersonaProposal) {
	if isBlank(res.Entry) {
		res.Entry = p.Entry
	}
	if isBlank(res.StopLoss) {
		res.StopLoss = p.StopLoss
	}
	if len(res.TakeProfit) == 0 {
		res.TakeProfit = slices.Clone(p.TakeProfit)
	}
}

func fillBlanks(res *models.AnalysisResult) {
	if isBlank(res.RRR) {
		res.RRR = riskReward(res.Entry, res.StopLoss, res.TakeProfit)
	}
	if isBlank(res.Entry) {
		res.Entry = models.NotAvailable
	}
	if isBlank(res.StopLoss) {
		res.StopLoss = models.NotAvailable
	}
	if res.TakeProfit == nil {
		res.TakeProfit = []string{}
	}
}

func defaultRecommendation(d models.Decision, name string, adopted *models.PersonaProposal, justification string) string {
	switch {
	case adopted != nil && adopted.Bias == models.BiasLong:
		return fmt.Sprintf("Go long following %s: %s", name, adopted.Thesis)
	case adopted != nil:
		return fmt.Sprintf("Go short following %s: %s", name, adopted.Thesis)
	case d == models.DecisionSynthesize:
		return "Trade the modified setup: " + justification
	default:
		return "No trade: " + justification
	}
}

func isBlank(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, models.NotAvailable)
}

func orNA(s string) string {
	if isBlank(s) {
		return models.NotAvailable
	}
	return s
}

var priceRe = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// parsePrice reads the first number of a free-text level, e.g. "$1,234.5 (retest)".
func parsePrice(s string) (float64, bool) {
	m := priceRe.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// riskReward computes the ratio to the first target, N/A when the levels are
// not numeric.
func riskReward(entry, stop string, targets []string) string {
	if len(targets) == 0 {
		return models.NotAvailable
	}
	e, ok1 := parsePrice(entry)
	s, ok2 := parsePrice(stop)
	t, ok3 := parsePrice(targets[0])
	if !ok1 || !ok2 || !ok3 {
		return models.NotAvailable
	}
	risk := math.Abs(e - s)
	if risk == 0 {
		return models.NotAvailable
	}
	return fmt.Sprintf("1:%.2f", math.Abs(t-e)/risk)
}
