package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fighter4/ChartSight/internal/domain/models"
	domrepo "github.com/fighter4/ChartSight/internal/domain/repository"
	"github.com/fighter4/ChartSight/internal/pipeline"
	"github.com/fighter4/ChartSight/internal/service/ratelimit"
	"github.com/fighter4/ChartSight/internal/usecase"
)

type fakeAnalyzer struct {
	got *models.AnalysisRequest
	err error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, req *models.AnalysisRequest) (*usecase.Analysis, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &usecase.Analysis{ID: "an-1", Result: &models.AnalysisResult{Trend: "Uptrend"}}, nil
}

func (f *fakeAnalyzer) Annotate(_ context.Context, ref models.ImageRef, _ *models.AnalysisResult) (string, error) {
	if ref == "bad" {
		return "", errors.New("no image part")
	}
	return "data:image/png;base64,AAAA", nil
}

type fakeQA struct {
	got usecase.AskParams
	err error
}

func (f *fakeQA) Ask(_ context.Context, p usecase.AskParams) (*models.ChartAnswer, error) {
	f.got = p
	if f.err != nil {
		return nil, f.err
	}
	return &models.ChartAnswer{Answer: "Wait for the retest", Confidence: 6}, nil
}

type fakeHistory struct {
	userID   string
	since    time.Time
	limit    int
	feedback models.Feedback
}

func (f *fakeHistory) List(_ context.Context, userID string, since time.Time, limit int) ([]*models.AnalysisRecord, error) {
	f.userID, f.since, f.limit = userID, since, limit
	return []*models.AnalysisRecord{{ID: "an-1", UserID: userID}}, nil
}

func (f *fakeHistory) Get(_ context.Context, id string) (*models.AnalysisRecord, error) {
	if id != "an-1" {
		return nil, domrepo.ErrNotFound
	}
	return &models.AnalysisRecord{ID: id}, nil
}

func (f *fakeHistory) Feedback(_ context.Context, id string, fb models.Feedback) error {
	if id != "an-1" {
		return domrepo.ErrNotFound
	}
	f.feedback = fb
	return nil
}

type testServer struct {
	e        *echo.Echo
	analyzer *fakeAnalyzer
	qa       *fakeQA
	history  *fakeHistory
}

func newTestServer(limiter *ratelimit.Limiter) *testServer {
	s := &testServer{e: echo.New(), analyzer: &fakeAnalyzer{}, qa: &fakeQA{}, history: &fakeHistory{}}
	NewAnalysisEchoHandler(nil, s.analyzer, s.qa, s.history, limiter).RegisterRoutes(s.e)
	return s
}

func (s *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestAnalyze(t *testing.T) {
	s := newTestServer(nil)

	rec := s.do(http.MethodPost, "/api/analyze", `{"image":"https://c/x.png","trading_style":"Day Trader","user_id":"u-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decode(t, rec)
	assert.JSONEq(t, `"an-1"`, string(mustField(t, env.Data, "id")))
	require.NotNil(t, s.analyzer.got)
	assert.Equal(t, models.PipelineChained, s.analyzer.got.Pipeline, "pipeline defaults to chained")
	assert.Equal(t, models.StyleDayTrader, s.analyzer.got.TradingStyle)

	rec = s.do(http.MethodPost, "/api/analyze", `{"pipeline":"quantum","image":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/analyze", `{"trading_style":"Day Trader"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "image is required")

	s.analyzer.err = pipeline.ErrCancelled
	rec = s.do(http.MethodPost, "/api/analyze", `{"image":"x"}`)
	assert.Equal(t, statusClientClosed, rec.Code)
}

func TestAnalyzeMultiTimeframe(t *testing.T) {
	s := newTestServer(nil)

	rec := s.do(http.MethodPost, "/api/analyze/multi-timeframe", `{"images":["a","b"],"timeframes":["D1","4H"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.PipelineMultiTimeframe, s.analyzer.got.Pipeline)
	assert.Equal(t, []models.Timeframe{models.TF1d, models.TF4h}, s.analyzer.got.Timeframes)

	rec = s.do(http.MethodPost, "/api/analyze/multi-timeframe", `{"images":["a","b","c","d"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAsk(t *testing.T) {
	s := newTestServer(nil)

	rec := s.do(http.MethodPost, "/api/analyses/an-1/questions", `{"question":"Is it safe?"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "an-1", s.qa.got.AnalysisID)
	assert.Equal(t, "Is it safe?", s.qa.got.Question)

	rec = s.do(http.MethodPost, "/api/questions", `{"image":"https://charts.example/eth.png","question":"Trend?","trading_style":"Scalper"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, s.qa.got.AnalysisID)
	assert.Equal(t, models.ImageRef("https://charts.example/eth.png"), s.qa.got.Image)
	assert.Equal(t, models.StyleScalper, s.qa.got.TradingStyle)

	tests := []struct {
		err  error
		code int
	}{
		{domrepo.ErrNotFound, http.StatusNotFound},
		{usecase.ErrNoImage, http.StatusBadRequest},
		{pipeline.ErrCancelled, statusClientClosed},
		{usecase.ErrAnswerUnavailable, http.StatusBadGateway},
	}
	for _, tt := range tests {
		s.qa.err = tt.err
		rec = s.do(http.MethodPost, "/api/analyses/an-1/questions", `{"question":"q"}`)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
	}
}

func TestFeedbackAndHistory(t *testing.T) {
	s := newTestServer(nil)

	rec := s.do(http.MethodPost, "/api/analyses/an-1/feedback", `{"feedback":"helpful"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, models.FeedbackHelpful, s.history.feedback)

	rec = s.do(http.MethodPost, "/api/analyses/an-1/feedback", `{"feedback":"meh"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(http.MethodPost, "/api/analyses/zzz/feedback", `{"feedback":"unhelpful"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/analyses?user_id=u-1&since=2026-05-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "u-1", s.history.userID)
	assert.Equal(t, 20, s.history.limit, "limit defaults to 20")
	assert.Equal(t, 2026, s.history.since.Year())

	rec = s.do(http.MethodGet, "/api/analyses", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "user id required")

	rec = s.do(http.MethodGet, "/api/analyses/an-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodGet, "/api/analyses/zzz", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnnotate(t *testing.T) {
	s := newTestServer(nil)
	result := `{"trend":"Uptrend","structure":"HH/HL","key_levels":{"support":[],"resistance":[]},"indicators":[],"patterns":[],
		"entry":"105","stop_loss":"98","take_profit":["120"],"RRR":"1:2.14","recommendation":"Buy","reasoning":"r"}`

	rec := s.do(http.MethodPost, "/api/annotate", `{"image":"https://c/x.png","result":`+result+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decode(t, rec)
	assert.JSONEq(t, `{"annotatedPhotoDataUri":"data:image/png;base64,AAAA"}`, string(env.Data))

	rec = s.do(http.MethodPost, "/api/annotate", `{"image":"bad","result":`+result+`}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(ratelimit.New(0.001, 1))

	rec := s.do(http.MethodPost, "/api/analyze", `{"image":"x"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodPost, "/api/analyze", `{"image":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = s.do(http.MethodGet, "/api/analyses/an-1", "")
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
}

func mustField(t *testing.T, raw json.RawMessage, key string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	return m[key]
}
