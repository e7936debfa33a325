package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
	"github.com/fighter4/ChartSight/pkg/cache"
	applogger "github.com/fighter4/ChartSight/pkg/logger"
)

// ResultCache serves identical requests without re-running the pipeline.
// Degraded results are never stored.
type ResultCache struct {
	store  cache.Store
	ttl    time.Duration
	logger *applogger.Logger
}

func NewResultCache(store cache.Store, ttl time.Duration, logger *applogger.Logger) *ResultCache {
	if logger == nil {
		logger = applogger.Nop()
	}
	return &ResultCache{store: store, ttl: ttl, logger: logger}
}

// Key identifies a request by everything that influences its result.
func (c *ResultCache) Key(req *models.AnalysisRequest, images []models.Image) string {
	prev := []byte("-")
	if req.Previous != nil {
		if b, err := json.Marshal(req.Previous); err == nil {
			prev = b
		}
	}
	parts := [][]byte{
		[]byte(req.Pipeline),
		[]byte(req.TradingStyle),
		[]byte(req.Question),
		prev,
	}
	for i, img := range images {
		parts = append(parts, []byte(req.TimeframeLabel(i)), img.Data)
	}
	return cache.Key("analysis", parts...)
}

// Get returns a cached result or nil on miss. Cache errors count as misses.
func (c *ResultCache) Get(ctx context.Context, key string) *models.AnalysisResult {
	if c == nil || c.store == nil {
		return nil
	}
	res, err := cache.GetJSON[models.AnalysisResult](ctx, c.store, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn("result cache read failed", applogger.String("key", key), applogger.Error(err))
		}
		return nil
	}
	return res
}

// Put stores a successful result.
func (c *ResultCache) Put(ctx context.Context, key string, res *models.AnalysisResult) {
	if c == nil || c.store == nil || res.IsDegraded() {
		return
	}
	if err := cache.SetJSON(ctx, c.store, key, res, c.ttl); err != nil {
		c.logger.Warn("result cache write failed", applogger.String("key", key), applogger.Error(err))
	}
}
