package models

// Requests for the analysis HTTP endpoints. Defined in domain for reuse by
// the Kafka request handler and the CLI.

type AnalyzeRequest struct {
	Image            string          `json:"image" validate:"required"`
	Pipeline         string          `json:"pipeline" default:"chained" validate:"oneof=single chained debate"`
	TradingStyle     string          `json:"trading_style" validate:"omitempty,oneof='Scalper' 'Day Trader' 'Swing Trader' 'Position Trader'"`
	Question         string          `json:"question" validate:"max=2000"`
	PreviousAnalysis *AnalysisResult `json:"previous_analysis"`
	UserID           string          `json:"user_id" validate:"max=128"`
	Annotate         bool            `json:"annotate"`
}

type MultiTimeframeRequest struct {
	Images       []string `json:"images" validate:"required,min=1,max=3,dive,required"`
	Timeframes   []string `json:"timeframes" validate:"max=3"`
	TradingStyle string   `json:"trading_style" validate:"omitempty,oneof='Scalper' 'Day Trader' 'Swing Trader' 'Position Trader'"`
	UserID       string   `json:"user_id" validate:"max=128"`
	Annotate     bool     `json:"annotate"`
}

type QuestionRequest struct {
	ID           string `param:"id" json:"-"`
	Image        string `json:"image"`
	Question     string `json:"question" validate:"required,max=2000"`
	TradingStyle string `json:"trading_style" validate:"omitempty,oneof='Scalper' 'Day Trader' 'Swing Trader' 'Position Trader'"`
}

type FeedbackRequest struct {
	ID       string `param:"id" json:"-" validate:"required"`
	Feedback string `json:"feedback" validate:"required,oneof=helpful unhelpful"`
}

type HistoryRequest struct {
	UserID string `query:"user_id" validate:"required,max=128"`
	Limit  int    `query:"limit" default:"20" validate:"gte=1,lte=200"`
	Since  string `query:"since"`
}

type AnnotateRequest struct {
	Image  string          `json:"image" validate:"required"`
	Result *AnalysisResult `json:"result" validate:"required"`
}

// ToAnalysisRequest converts the HTTP body into a pipeline request.
func (r *AnalyzeRequest) ToAnalysisRequest() *AnalysisRequest {
	return &AnalysisRequest{
		Pipeline:     PipelineKind(r.Pipeline),
		Images:       []ImageRef{ImageRef(r.Image)},
		TradingStyle: TradingStyle(r.TradingStyle),
		Question:     r.Question,
		Previous:     r.PreviousAnalysis,
		UserID:       r.UserID,
		Annotate:     r.Annotate,
	}
}

// ToAnalysisRequest converts the HTTP body into a pipeline request.
func (r *MultiTimeframeRequest) ToAnalysisRequest() *AnalysisRequest {
	req := &AnalysisRequest{
		Pipeline:     PipelineMultiTimeframe,
		TradingStyle: TradingStyle(r.TradingStyle),
		UserID:       r.UserID,
		Annotate:     r.Annotate,
	}
	for _, img := range r.Images {
		req.Images = append(req.Images, ImageRef(img))
	}
	for _, tf := range r.Timeframes {
		req.Timeframes = append(req.Timeframes, NormalizeTimeframe(tf))
	}
	return req
}
