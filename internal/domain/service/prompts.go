package service

// Prompt identifiers shared by the stage graphs and the inference adapters.
const (
	PromptAnalyzeChart         = "analyze_chart"
	PromptExtractFeatures      = "extract_features"
	PromptRecognizePatterns    = "recognize_patterns"
	PromptSynthesizePlan       = "synthesize_plan"
	PromptPersonaProposal      = "persona_proposal"
	PromptMarketStructure      = "market_structure"
	PromptRiskReview           = "risk_review"
	PromptArbitrateDebate      = "arbitrate_debate"
	PromptReadTimeframe        = "read_timeframe"
	PromptSynthesizeTimeframes = "synthesize_timeframes"
	PromptAnswerQuestion       = "answer_question"
)
