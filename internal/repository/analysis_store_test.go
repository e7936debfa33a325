package repository

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
	domrepo "github.com/fighter4/ChartSight/internal/domain/repository"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(id, user string, at time.Time) *models.AnalysisRecord {
	return &models.AnalysisRecord{
		ID:       id,
		UserID:   user,
		ImageRef: "https://charts.example/" + id + ".png",
		Pipeline: models.PipelineChained,
		Result: &models.AnalysisResult{
			Trend:          "Uptrend",
			Structure:      "Higher highs",
			KeyLevels:      models.KeyLevels{Support: []models.KeyLevel{{Zone: "100", Strength: "Strong"}}, Resistance: []models.KeyLevel{}},
			Indicators:     []models.Indicator{{Name: "RSI", Signal: "Neutral"}},
			Patterns:       []models.Pattern{{Name: "Flag", Probability: 60, Status: models.PatternInvalidated}},
			Entry:          "105",
			StopLoss:       "98",
			TakeProfit:     []string{"120"},
			RRR:            "1:2.14",
			Recommendation: "Buy the retest",
			Reasoning:      "Trend intact",
		},
		CreatedAt: at,
	}
}

// runStoreContract exercises behavior every AnalysisStore must share.
func runStoreContract(t *testing.T, store domrepo.AnalysisStore) {
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("store and get", func(t *testing.T) {
		rec := sampleRecord("a-1", "u-1", base)
		id, err := store.Store(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, "a-1", id)

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		if diff := cmp.Diff(rec, got); diff != "" {
			t.Fatalf("record mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("generates id", func(t *testing.T) {
		id, err := store.Store(ctx, sampleRecord("", "u-2", base))
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		_, err = store.Get(ctx, id)
		require.NoError(t, err)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, domrepo.ErrNotFound)
		assert.ErrorIs(t, store.SetFeedback(ctx, "missing", models.FeedbackHelpful), domrepo.ErrNotFound)
		assert.ErrorIs(t, store.AppendQA(ctx, "missing", models.QAEntry{Question: "q"}), domrepo.ErrNotFound)
	})

	t.Run("append qa keeps order", func(t *testing.T) {
		_, err := store.Store(ctx, sampleRecord("a-qa", "u-3", base))
		require.NoError(t, err)
		for _, q := range []string{"first?", "second?"} {
			require.NoError(t, store.AppendQA(ctx, "a-qa", models.QAEntry{
				Question:  q,
				Answer:    &models.ChartAnswer{Answer: "yes", Confidence: 7, Reasoning: "r", ActionItems: []string{}, WatchPoints: []string{}},
				CreatedAt: base,
			}))
		}
		got, err := store.Get(ctx, "a-qa")
		require.NoError(t, err)
		require.Len(t, got.QA, 2)
		assert.Equal(t, "first?", got.QA[0].Question)
		assert.Equal(t, "second?", got.QA[1].Question)
		assert.Equal(t, "yes", got.QA[1].Answer.Answer)
	})

	t.Run("feedback", func(t *testing.T) {
		_, err := store.Store(ctx, sampleRecord("a-fb", "u-4", base))
		require.NoError(t, err)
		require.NoError(t, store.SetFeedback(ctx, "a-fb", models.FeedbackUnhelpful))
		got, err := store.Get(ctx, "a-fb")
		require.NoError(t, err)
		assert.Equal(t, models.FeedbackUnhelpful, got.Feedback)
	})

	t.Run("list by user newest first", func(t *testing.T) {
		for i, id := range []string{"l-1", "l-2", "l-3"} {
			_, err := store.Store(ctx, sampleRecord(id, "u-list", base.Add(time.Duration(i)*time.Hour)))
			require.NoError(t, err)
		}
		_, err := store.Store(ctx, sampleRecord("other", "u-other", base))
		require.NoError(t, err)

		got, err := store.ListByUser(ctx, "u-list", time.Time{}, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"l-3", "l-2", "l-1"}, ids(got))

		got, err = store.ListByUser(ctx, "u-list", time.Time{}, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"l-3", "l-2"}, ids(got))

		got, err = store.ListByUser(ctx, "u-list", base.Add(30*time.Minute), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"l-3", "l-2"}, ids(got))
	})

	t.Run("stored copy is isolated", func(t *testing.T) {
		rec := sampleRecord("iso", "u-5", base)
		_, err := store.Store(ctx, rec)
		require.NoError(t, err)
		rec.Result.Trend = "mutated"

		got, err := store.Get(ctx, "iso")
		require.NoError(t, err)
		assert.Equal(t, "Uptrend", got.Result.Trend)
		got.Result.Trend = "mutated again"

		again, err := store.Get(ctx, "iso")
		require.NoError(t, err)
		assert.Equal(t, "Uptrend", again.Result.Trend)
	})

	require.NoError(t, store.Health(ctx))
}

func ids(recs []*models.AnalysisRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestMemoryAnalysisStore(t *testing.T) {
	s := NewMemoryAnalysisStore()
	defer s.Close()
	runStoreContract(t, s)
}

func TestSQLiteAnalysisStore(t *testing.T) {
	s, err := OpenSQLiteAnalysisStore(filepath.Join(t.TempDir(), "analyses.db"), nil)
	require.NoError(t, err)
	defer s.Close()
	runStoreContract(t, s)
}

func TestSQLiteAnalysisStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analyses.db")
	ctx := context.Background()

	s, err := OpenSQLiteAnalysisStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx))
	_, err = s.Store(ctx, sampleRecord("keep", "u", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLiteAnalysisStore(path, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))
	got, err := s.Get(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, "Buy the retest", got.Result.Recommendation)
}

func TestAnalysisRow_DecodeEmptyQA(t *testing.T) {
	row, err := encodeRecord(sampleRecord("x", "u", time.Unix(0, 0)))
	require.NoError(t, err)
	assert.Equal(t, "[]", row.QA)

	rec, err := row.decode()
	require.NoError(t, err)
	assert.Nil(t, rec.QA)

	row.Result = "{broken"
	_, err = row.decode()
	assert.ErrorContains(t, err, "decode result of x")
}

type capturedMessage struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	msgs   []capturedMessage
	closed bool
}

func (f *fakeProducer) Publish(_ context.Context, topic string, key []byte, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.msgs = append(f.msgs, capturedMessage{topic: topic, key: string(key), value: b})
	return nil
}

func (f *fakeProducer) Close() error {
	f.closed = true
	return nil
}

func TestKafkaEventPublisher(t *testing.T) {
	ev := &models.AnalysisEvent{
		ID:       "evt-1",
		Pipeline: models.PipelineDebate,
		Trend:    "Downtrend",
		Result:   sampleRecord("evt-1", "u", time.Unix(0, 0)).Result,
	}

	t.Run("without result", func(t *testing.T) {
		p := &fakeProducer{}
		pub := NewKafkaEventPublisher(p, "analysis.completed", false)
		require.NoError(t, pub.PublishAnalysis(context.Background(), ev))
		require.Len(t, p.msgs, 1)
		assert.Equal(t, "analysis.completed", p.msgs[0].topic)
		assert.Equal(t, "evt-1", p.msgs[0].key)

		var got models.AnalysisEvent
		require.NoError(t, json.Unmarshal(p.msgs[0].value, &got))
		assert.Nil(t, got.Result)
		assert.Equal(t, "Downtrend", got.Trend)
		assert.NotNil(t, ev.Result, "caller's event must not be modified")

		require.NoError(t, pub.Close())
		assert.True(t, p.closed)
	})

	t.Run("with result", func(t *testing.T) {
		p := &fakeProducer{}
		pub := NewKafkaEventPublisher(p, "analysis.completed", true)
		require.NoError(t, pub.PublishAnalysis(context.Background(), ev))

		var got models.AnalysisEvent
		require.NoError(t, json.Unmarshal(p.msgs[0].value, &got))
		require.NotNil(t, got.Result)
		assert.Equal(t, "Buy the retest", got.Result.Recommendation)
	})
}
