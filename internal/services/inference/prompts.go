package inference

import (
	"fmt"

	"github.com/fighter4/ChartSight/internal/domain/models"
	"github.com/fighter4/ChartSight/internal/domain/service"
	"github.com/fighter4/ChartSight/internal/pipeline"
)

// Prompt is a rendered instruction pair for one inference call.
type Prompt struct {
	System string
	User   string
}

const insightPersona = `You are CryptoChart Insight, an AI technical analyst for cryptocurrency charts. ` +
	`You read only what is visible on the chart, quote price levels as they appear on the axis, ` +
	`and never invent indicators that are not drawn.`

const jsonContract = `Respond with a single JSON object and nothing else. Use exactly these fields:
{{.Schema}}`

type promptDef struct {
	system string
	user   string
}

var promptDefs = map[string]promptDef{
	service.PromptAnalyzeChart: {
		system: insightPersona,
		user: `Analyze the attached chart for a {{.Style}}.

Report the dominant trend, the market structure, support and resistance zones graded Strong, Moderate or Weak,
every visible indicator with its signal, and any chart or candlestick patterns with their probability and status
(Forming, Active, Confirmed or Invalidated). An Invalidated pattern must weigh heavily on the recommendation.

Then build a trade plan: entry, stop loss, at least two take-profit targets, the risk/reward ratio to the first
target written as 1:X, a recommendation and step-by-step reasoning.`,
	},
	service.PromptExtractFeatures: {
		system: `You are a specialist technical analyst. Your only job is to extract objective features from a chart.`,
		user: `Extract the features of the attached chart for a {{.Style}}.

1. Dominant trend: Uptrend, Downtrend or Sideways.
2. Market structure: higher highs and higher lows, lower highs and lower lows, or range.
3. Key levels: support and resistance zones, each graded Strong, Moderate or Weak.
4. Indicators: every indicator drawn on the chart with its current signal.

Do not make a trade recommendation.`,
	},
	service.PromptRecognizePatterns: {
		system: `You are a chart pattern specialist with deep knowledge of classical formations and market psychology.`,
		user: `Identify the chart and candlestick patterns on the attached chart for a {{.Style}}.

For each pattern give its name, type (Continuation, Reversal or Neutral), status (Forming, Active, Confirmed or
Invalidated) and probability out of 100. Score formation quality, volume confirmation, market context and
timeframe confluence from 1 to 10 and combine them into a probability score. Describe the psychology behind it:
retail sentiment, smart money positioning, liquidity zones and the probability that it is a false signal.
Give the invalidation level, target zones and the expected time horizon.

Return an empty list when no pattern is visible.`,
	},
	service.PromptSynthesizePlan: {
		system: insightPersona,
		user: `Build a trade plan for a {{.Style}} from the attached chart and the features extracted from it.
{{with index .Upstream "features"}}
Extracted features:
{{json .}}
{{end}}{{with index .Upstream "patterns"}}
Patterns recognized on the chart:
{{json .}}
An Invalidated pattern must weigh heavily on the recommendation.
{{end}}
Give an entry, a stop loss, at least two take-profit targets, the risk/reward ratio to the first target written
as 1:X, a clear recommendation and step-by-step reasoning that refers to the extracted levels.`,
	},
	service.PromptPersonaProposal: {
		system: `You are a trader on an adversarial analysis desk. Argue your side with evidence from the chart.`,
		user: `{{.Instruction}}

Study the attached chart for a {{.Style}} and propose the best trade for your bias. If the chart offers no setup
for your side, set viable to false and explain why instead of forcing one. A viable proposal needs an entry,
a stop loss and take-profit targets. Rate your confidence from 1 to 10.`,
	},
	service.PromptMarketStructure: {
		system: `You are the neutral market structure desk. You describe the chart without taking a side.`,
		user: `Describe the structure of the attached chart for a {{.Style}}: the trend, the swing structure, graded
support and resistance zones, and the structural points (breaks of structure, changes of character, swing highs
and lows) that matter for the next move.`,
	},
	service.PromptRiskReview: {
		system: `You are the neutral risk desk. You do not recommend trades, you list what can go wrong.`,
		user: `Review the attached chart for a {{.Style}}. Classify volatility as Low, Normal or High, list between one
and five concrete risks and flag anything that should block a trade, such as thin liquidity or a pending news
candle.`,
	},
	service.PromptArbitrateDebate: {
		system: `You are Major Tom, the head analyst. Two traders argued opposite sides of the same chart and two
neutral desks reported on it. You decide.`,
		user: `Desk reports for a {{.Style}}:
{{json .Upstream}}

Proposal A is the bullish trader, proposal B the bearish one. Assess both, then decide: adopt_a, adopt_b,
no_trade when neither is convincing, or synthesize when a combined plan is better. Always report the trend,
structure, key levels, indicators and patterns you see. Fill entry, stop loss, take profits, RRR and the
recommendation only when you synthesize; when you adopt a proposal its plan is used as written.
Rate your confidence from 1 to 10.`,
	},
	service.PromptReadTimeframe: {
		system: `You are a multi-timeframe analyst reading one chart of a top-down analysis.`,
		user: `This chart is the {{.Timeframe}} timeframe. Report its trend (Uptrend, Downtrend or Sideways), its
structure, the key price levels as numbers, the dominant pattern if any, whether it offers a long, short or
neutral setup, and your confidence from 1 to 10.`,
	},
	service.PromptSynthesizeTimeframes: {
		system: `You are an expert in multi-timeframe analysis. The highest timeframe sets the bias, the lower
timeframes refine the entry.`,
		user: `Timeframes from highest to lowest: {{join .Timeframes ", "}}.
Readings per timeframe:
{{json .Upstream}}

Synthesize one trade plan for a {{.Style}}. Take the directional bias from the highest timeframe, use the middle
timeframe to confirm structure and the lowest for a precise entry. If a lower timeframe disagrees with the higher
one, say so and lower your confidence. Report bias as long, short or neutral.`,
	},
	service.PromptAnswerQuestion: {
		system: insightPersona,
		user: `A {{.Style}} asks about the attached chart:
"{{.Question}}"
{{with .Previous}}
Earlier analysis of this chart:
{{json .}}
{{end}}
Answer directly, rate your confidence from 1 to 10, explain your reasoning, list concrete action items and the
price points to watch, mention alternative scenarios and add a short educational note when it helps.`,
	},
}

// promptData is the template context of a stage prompt.
type promptData struct {
	Style       string
	Question    string
	Previous    *models.AnalysisResult
	Timeframe   string
	Timeframes  []string
	Instruction string
	Upstream    map[string]any
	Schema      string
}

// Catalog renders stage prompts from their identifiers.
type Catalog struct {
	system map[string]string
	user   map[string]*pipeline.Template
	schema *pipeline.Template
}

// NewCatalog parses every prompt template.
func NewCatalog() (*Catalog, error) {
	c := &Catalog{
		system: make(map[string]string, len(promptDefs)),
		user:   make(map[string]*pipeline.Template, len(promptDefs)),
	}
	for id, def := range promptDefs {
		t, err := pipeline.ParseTemplate(id, def.user)
		if err != nil {
			return nil, err
		}
		c.system[id] = def.system
		c.user[id] = t
	}
	schema, err := pipeline.ParseTemplate("schema", jsonContract)
	if err != nil {
		return nil, err
	}
	c.schema = schema
	return c, nil
}

// Render builds the prompt of a stage. The declared output shape is appended
// as the JSON contract the model has to follow.
func (c *Catalog) Render(id string, in *pipeline.Input, out pipeline.Shape) (Prompt, error) {
	t, ok := c.user[id]
	if !ok {
		return Prompt{}, fmt.Errorf("unknown prompt %q", id)
	}
	data := promptData{
		Style:       in.StyleOrDefault(),
		Question:    in.Question,
		Previous:    in.Previous,
		Timeframe:   in.Timeframe,
		Timeframes:  in.Timeframes,
		Instruction: in.Instruction,
		Upstream:    in.Upstream,
	}
	if data.Upstream == nil {
		data.Upstream = map[string]any{}
	}
	if data.Timeframe == "" {
		data.Timeframe = "current"
	}
	if out != nil {
		data.Schema = string(out.Skeleton())
	}
	user, err := t.Render(data)
	if err != nil {
		return Prompt{}, err
	}
	if data.Schema != "" {
		contract, err := c.schema.Render(data)
		if err != nil {
			return Prompt{}, err
		}
		user += "\n\n" + contract
	}
	return Prompt{System: c.system[id], User: user}, nil
}

const annotateTemplate = `Draw the following analysis onto the attached chart and return only the annotated image.

Trend: {{.Trend}}
Structure: {{.Structure}}
Support zones:{{range .KeyLevels.Support}}
- {{.Zone}} ({{.Strength}}){{end}}
Resistance zones:{{range .KeyLevels.Resistance}}
- {{.Zone}} ({{.Strength}}){{end}}
Patterns:{{range .Patterns}}
- {{.Name}}: {{.Status}}{{end}}
Entry: {{.Entry}}
Stop loss: {{.StopLoss}}
Take profit: {{join .TakeProfit ", "}}

Drawing rules:
1. Draw the main trend lines and mark the structure points.
2. Shade support and resistance zones with transparent rectangles, more opaque for Strong zones.
3. Circle each pattern. Mark Invalidated patterns with a red X instead.
4. Mark the entry with a green dot, the stop loss in red and the take-profit targets in blue.
5. Keep the original chart readable. Do not add any text response.`

var annotatePrompt = mustTemplate("annotate", annotateTemplate)

func mustTemplate(name, text string) *pipeline.Template {
	t, err := pipeline.ParseTemplate(name, text)
	if err != nil {
		panic(err)
	}
	return t
}
