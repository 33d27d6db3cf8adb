package service

import (
	"context"

	"SafeHerHub/internal/models"
	"SafeHerHub/pkg/cache"
	apperrors "SafeHerHub/pkg/errors"
	"SafeHerHub/pkg/logger"

	"go.uber.org/zap"
)

const statsCacheName = "stats"

type ChainStats struct {
	TotalContacts int     `json:"totalContacts"`
	SuccessRate   float64 `json:"successRate"`
	TotalUses     int     `json:"totalUses"`
}

type StatsOverview struct {
	Alerts       models.AlertStats `json:"alerts"`
	WhisperChain *ChainStats       `json:"whisperChain"`
}

func statsKey(userID string) string { return "stats:" + userID }

// Stats 用户警报概览，短时缓存，写操作时失效
func (s *AlertService) Stats(ctx context.Context, userID string) (*StatsOverview, error) {
	var overview StatsOverview
	if s.cache != nil && cache.GetJSON(ctx, s.cache, statsKey(userID), &overview) {
		s.metrics.RecordCacheHit(statsCacheName)
		return &overview, nil
	}
	s.metrics.RecordCacheMiss(statsCacheName)

	alertStats, err := models.GetAlertStats(ctx, s.db, userID)
	if err != nil {
		return nil, apperrors.Internal(err, "load alert stats failed")
	}
	overview = StatsOverview{Alerts: alertStats}

	chain, err := s.GetChain(ctx, userID)
	if err != nil {
		return nil, err
	}
	if chain != nil {
		overview.WhisperChain = &ChainStats{
			TotalContacts: len(chain.Chain),
			SuccessRate:   chain.SuccessRate,
			TotalUses:     chain.TotalUses,
		}
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, statsKey(userID), overview, s.statsTTL); err != nil {
			logger.Warn("cache stats failed", zap.String("user", userID), zap.Error(err))
		}
	}
	return &overview, nil
}

func (s *AlertService) invalidateStats(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, statsKey(userID)); err != nil {
		logger.Warn("invalidate stats failed", zap.String("user", userID), zap.Error(err))
	}
}
