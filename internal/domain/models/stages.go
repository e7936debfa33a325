package models

// Stage outputs. Each type is the contract one inference stage must satisfy.

// FeatureSet is the chained pipeline's first-pass chart reading.
type FeatureSet struct {
	Trend      string      `json:"trend" validate:"required"`
	Structure  string      `json:"structure" validate:"required"`
	KeyLevels  KeyLevels   `json:"key_levels"`
	Indicators []Indicator `json:"indicators" validate:"required,dive"`
}

// PatternReport is the output of the pattern recognizer stage.
type PatternReport struct {
	Patterns []Pattern `json:"patterns" validate:"required,dive"`
}

// TradePlan is the synthesizer's actionable part of the report.
type TradePlan struct {
	Entry          string   `json:"entry" validate:"required"`
	StopLoss       string   `json:"stop_loss" validate:"required"`
	TakeProfit     []string `json:"take_profit" validate:"required"`
	RRR            string   `json:"RRR" validate:"required"`
	Recommendation string   `json:"recommendation" validate:"required"`
	Reasoning      string   `json:"reasoning" validate:"required"`
}

// Bias is a directional stance.
type Bias string

const (
	BiasLong    Bias = "long"
	BiasShort   Bias = "short"
	BiasNeutral Bias = "neutral"
)

// PersonaProposal is one adversarial persona's trade idea. Viable is false
// when the persona found no setup matching its bias.
type PersonaProposal struct {
	Persona       string   `json:"persona" validate:"required"`
	Bias          Bias     `json:"bias" validate:"required,oneof=long short"`
	Viable        bool     `json:"viable"`
	Thesis        string   `json:"thesis" validate:"required"`
	KeyPoints     []string `json:"key_points" validate:"required"`
	Entry         string   `json:"entry"`
	StopLoss      string   `json:"stop_loss"`
	TakeProfit    []string `json:"take_profit"`
	Justification string   `json:"justification" validate:"required"`
	Confidence    int      `json:"confidence" validate:"min=1,max=10"`
}

// StructureReport is the neutral market-structure desk report.
type StructureReport struct {
	Trend            string    `json:"trend" validate:"required"`
	Structure        string    `json:"structure" validate:"required"`
	KeyLevels        KeyLevels `json:"key_levels"`
	StructuralPoints []string  `json:"structural_points" validate:"required"`
}

// RiskReport is the neutral risk desk report.
type RiskReport struct {
	Volatility string   `json:"volatility" validate:"required,oneof=Low Normal High"`
	Risks      []string `json:"risks" validate:"required,min=1,max=5"`
	Flags      []string `json:"flags"`
}

// Decision is the arbitration outcome.
type Decision string

const (
	DecisionAdoptA     Decision = "adopt_a"
	DecisionAdoptB     Decision = "adopt_b"
	DecisionNoTrade    Decision = "no_trade"
	DecisionSynthesize Decision = "synthesize"
)

// ArbitrationDecision is the head analyst's verdict over the debate. Proposal
// A is the bullish persona, B the bearish one.
type ArbitrationDecision struct {
	Decision            Decision    `json:"decision" validate:"required,oneof=adopt_a adopt_b no_trade synthesize"`
	ProposalAAssessment string      `json:"proposal_a_assessment" validate:"required"`
	ProposalBAssessment string      `json:"proposal_b_assessment" validate:"required"`
	Justification       string      `json:"justification" validate:"required"`
	Trend               string      `json:"trend" validate:"required"`
	Structure           string      `json:"structure" validate:"required"`
	KeyLevels           KeyLevels   `json:"key_levels"`
	Indicators          []Indicator `json:"indicators" validate:"required,dive"`
	Patterns            []Pattern   `json:"patterns" validate:"required,dive"`
	Entry               string      `json:"entry"`
	StopLoss            string      `json:"stop_loss"`
	TakeProfit          []string    `json:"take_profit"`
	RRR                 string      `json:"RRR"`
	Recommendation      string      `json:"recommendation"`
	Confidence          int         `json:"confidence" validate:"min=1,max=10"`
}

// TimeframeReading is one timeframe's reading in multi-timeframe mode.
type TimeframeReading struct {
	Timeframe  string    `json:"timeframe" validate:"required"`
	Trend      string    `json:"trend" validate:"required,oneof=Uptrend Downtrend Sideways"`
	Structure  string    `json:"structure" validate:"required"`
	KeyLevels  []float64 `json:"key_levels" validate:"required"`
	Pattern    string    `json:"pattern"`
	Setup      Bias      `json:"setup" validate:"required,oneof=long short neutral"`
	Confidence int       `json:"confidence" validate:"min=1,max=10"`
}

// TimeframeSynthesis is the multi-timeframe synthesis output.
type TimeframeSynthesis struct {
	AnalysisResult
	Bias Bias `json:"bias" validate:"required,oneof=long short neutral"`
}

// ChartAnswer answers a free-text question about a chart.
type ChartAnswer struct {
	Answer          string   `json:"answer" validate:"required"`
	Confidence      int      `json:"confidence" validate:"min=1,max=10"`
	Reasoning       string   `json:"reasoning" validate:"required"`
	ActionItems     []string `json:"action_items" validate:"required"`
	WatchPoints     []string `json:"watch_points" validate:"required"`
	Alternatives    []string `json:"alternatives"`
	EducationalNote string   `json:"educational_note"`
}
