package usecase

import (
	"fmt"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
	"github.com/fighter4/ChartSight/internal/domain/service"
	"github.com/fighter4/ChartSight/internal/pipeline"
)

// Stage names.
const (
	StageAnalyze     = "analyze"
	StageFeatures    = "features"
	StagePatterns    = "patterns"
	StageSynthesize  = "synthesize"
	StageBull        = "bull"
	StageBear        = "bear"
	StageStructure   = "structure"
	StageRisk        = "risk"
	StageArbiter     = "arbiter"
	StageTFSynthesis = "timeframe_synthesis"
	StageAnswer      = "answer"
)

// Merge strategies and keys.
const (
	StrategyPassthrough  = "passthrough"
	StrategyDebate       = "debate-arbitration"
	StrategyHierarchical = "hierarchical"

	MergeKeyReport     = "report"
	MergeKeyPatterns   = "patterns"
	MergeKeyProposals  = "proposals"
	MergeKeyTimeframes = "timeframes"
)

// TimeframeStage names the reading stage of image n (1-based).
func TimeframeStage(n int) string { return fmt.Sprintf("timeframe_%d", n) }

// Output contracts, shared by every graph.
var (
	analysisShape  = pipeline.NewShape[models.AnalysisResult]("analysis_result")
	featureShape   = pipeline.NewShape[models.FeatureSet]("feature_set")
	patternShape   = pipeline.NewShape[models.PatternReport]("pattern_report")
	planShape      = pipeline.NewShape[models.TradePlan]("trade_plan")
	proposalShape  = pipeline.NewShape[models.PersonaProposal]("persona_proposal")
	structureShape = pipeline.NewShape[models.StructureReport]("structure_report")
	riskShape      = pipeline.NewShape[models.RiskReport]("risk_report")
	arbitrateShape = pipeline.NewShape[models.ArbitrationDecision]("arbitration_decision")
	readingShape   = pipeline.NewShape[models.TimeframeReading]("timeframe_reading")
	tfSynthShape   = pipeline.NewShape[models.TimeframeSynthesis]("timeframe_synthesis")
	answerShape    = pipeline.NewShape[models.ChartAnswer]("chart_answer")
)

// Persona frames one side of the debate.
type Persona struct {
	Name        string
	Instruction string
}

// PipelineConfig tunes the stage graphs.
type PipelineConfig struct {
	StageTimeout           time.Duration
	Retries                int
	MultiTimeframeDeadline time.Duration
	Bull                   Persona
	Bear                   Persona
	// IgnoreContrarySignals tells personas to argue only their side.
	IgnoreContrarySignals bool
}

// DefaultPersonas returns the stock debate personas.
func DefaultPersonas() (bull, bear Persona) {
	bull = Persona{
		Name:        "Bullish Brad",
		Instruction: "You are Bullish Brad, an aggressive and optimistic trader. Find the most compelling LONG setup on this chart for the trading style.",
	}
	bear = Persona{
		Name:        "Bearish Barry",
		Instruction: "You are Bearish Barry, a cautious and pessimistic trader. Find the most compelling SHORT setup on this chart for the trading style.",
	}
	return bull, bear
}

const contrarySignalsClause = " Ignore every signal that argues against your side. If no plausible setup exists, set viable to false."

// Graphs holds every stage graph, built once at startup.
type Graphs struct {
	Single         *pipeline.Graph
	Chained        *pipeline.Graph
	Debate         *pipeline.Graph
	MultiTimeframe [models.MaxTimeframes]*pipeline.Graph
	Question       *pipeline.Graph

	bull, bear Persona
}

// BuildGraphs validates and builds all graphs. An error here is a
// configuration error.
func BuildGraphs(cfg PipelineConfig) (*Graphs, error) {
	defBull, defBear := DefaultPersonas()
	if cfg.Bull.Name == "" {
		cfg.Bull.Name = defBull.Name
	}
	if cfg.Bull.Instruction == "" {
		cfg.Bull.Instruction = defBull.Instruction
	}
	if cfg.Bear.Name == "" {
		cfg.Bear.Name = defBear.Name
	}
	if cfg.Bear.Instruction == "" {
		cfg.Bear.Instruction = defBear.Instruction
	}

	b := stageBuilder{timeout: cfg.StageTimeout, retries: cfg.Retries}
	g := &Graphs{bull: cfg.Bull, bear: cfg.Bear}
	var err error

	g.Single, err = pipeline.NewGraph(string(models.PipelineSingle), []pipeline.StageSpec{
		b.stage(StageAnalyze, service.PromptAnalyzeChart, analysisShape, MergeKeyReport),
	}, pipeline.WithMergeStrategy(MergeKeyReport, StrategyPassthrough))
	if err != nil {
		return nil, err
	}

	patterns := b.stage(StagePatterns, service.PromptRecognizePatterns, patternShape, MergeKeyPatterns)
	patterns.Optional = true
	synthesize := b.stage(StageSynthesize, service.PromptSynthesizePlan, planShape, MergeKeyReport, StageFeatures)
	synthesize.OptionalDeps = []string{StagePatterns}
	g.Chained, err = pipeline.NewGraph(string(models.PipelineChained), []pipeline.StageSpec{
		b.stage(StageFeatures, service.PromptExtractFeatures, featureShape, MergeKeyReport),
		patterns,
		synthesize,
	}, pipeline.WithMergeStrategy(MergeKeyReport, StrategyPassthrough))
	if err != nil {
		return nil, err
	}

	bull := b.stage(StageBull, service.PromptPersonaProposal, proposalShape, MergeKeyProposals)
	bull.Instruction = personaInstruction(cfg.Bull, cfg.IgnoreContrarySignals)
	bear := b.stage(StageBear, service.PromptPersonaProposal, proposalShape, MergeKeyProposals)
	bear.Instruction = personaInstruction(cfg.Bear, cfg.IgnoreContrarySignals)
	g.Debate, err = pipeline.NewGraph(string(models.PipelineDebate), []pipeline.StageSpec{
		bull,
		bear,
		b.stage(StageStructure, service.PromptMarketStructure, structureShape, ""),
		b.stage(StageRisk, service.PromptRiskReview, riskShape, ""),
		b.stage(StageArbiter, service.PromptArbitrateDebate, arbitrateShape, MergeKeyReport,
			StageBull, StageBear, StageStructure, StageRisk),
	}, pipeline.WithMergeStrategy(MergeKeyProposals, StrategyDebate))
	if err != nil {
		return nil, err
	}

	for n := 1; n <= models.MaxTimeframes; n++ {
		g.MultiTimeframe[n-1], err = buildTimeframeGraph(b, n, cfg.MultiTimeframeDeadline)
		if err != nil {
			return nil, err
		}
	}

	g.Question, err = pipeline.NewGraph("question", []pipeline.StageSpec{
		b.stage(StageAnswer, service.PromptAnswerQuestion, answerShape, ""),
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// buildTimeframeGraph reads each image in parallel then synthesizes. Lower
// timeframe readings and the synthesis are optional: the merge falls back to
// the readings that succeeded as long as the highest timeframe did.
func buildTimeframeGraph(b stageBuilder, images int, deadline time.Duration) (*pipeline.Graph, error) {
	specs := make([]pipeline.StageSpec, 0, images+1)
	deps := make([]string, 0, images)
	for n := 1; n <= images; n++ {
		s := b.stage(TimeframeStage(n), service.PromptReadTimeframe, readingShape, MergeKeyTimeframes)
		s.ImageSlot = n
		s.Optional = n > 1
		specs = append(specs, s)
		deps = append(deps, s.Name)
	}
	synth := b.stage(StageTFSynthesis, service.PromptSynthesizeTimeframes, tfSynthShape, MergeKeyReport, deps...)
	synth.Optional = true
	specs = append(specs, synth)

	opts := []pipeline.GraphOption{pipeline.WithMergeStrategy(MergeKeyTimeframes, StrategyHierarchical)}
	if deadline > 0 {
		opts = append(opts, pipeline.WithDeadline(deadline))
	}
	return pipeline.NewGraph(fmt.Sprintf("%s-%d", models.PipelineMultiTimeframe, images), specs, opts...)
}

func personaInstruction(p Persona, ignoreContrary bool) string {
	if ignoreContrary {
		return p.Instruction + contrarySignalsClause
	}
	return p.Instruction
}

type stageBuilder struct {
	timeout time.Duration
	retries int
}

func (b stageBuilder) stage(name, prompt string, out pipeline.Shape, mergeKey string, deps ...string) pipeline.StageSpec {
	return pipeline.StageSpec{
		Name:     name,
		Prompt:   prompt,
		Output:   out,
		Deps:     deps,
		Timeout:  b.timeout,
		Retries:  b.retries,
		MergeKey: mergeKey,
	}
}

// For selects the graph of a request.
func (g *Graphs) For(kind models.PipelineKind, images int) (*pipeline.Graph, error) {
	switch kind {
	case models.PipelineSingle:
		return g.Single, nil
	case models.PipelineChained, "":
		return g.Chained, nil
	case models.PipelineDebate:
		return g.Debate, nil
	case models.PipelineMultiTimeframe:
		if images < 1 || images > models.MaxTimeframes {
			return nil, fmt.Errorf("multi-timeframe analysis needs 1 to %d images, got %d", models.MaxTimeframes, images)
		}
		return g.MultiTimeframe[images-1], nil
	default:
		return nil, fmt.Errorf("unknown pipeline %q", kind)
	}
}

// Personas returns the configured bull and bear personas.
func (g *Graphs) Personas() (bull, bear Persona) { return g.bull, g.bear }
