package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"
)

// 乐观锁冲突重试次数
const MaxWriteAttempts = 3

var (
	ErrAlertNotFound   = errors.New("alert not found")
	ErrChainNotFound   = errors.New("whisper chain not found")
	ErrVersionConflict = errors.New("version conflict")
	// ErrNoChange 由变更函数返回，表示无需写回
	ErrNoChange = errors.New("no change")
)

// Migrate 建表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Alert{}, &WhisperChain{})
}

// casSave 以 version 做比较交换写回整行
func casSave(ctx context.Context, db *gorm.DB, model any, version *int64) error {
	old := *version
	*version = old + 1
	res := db.WithContext(ctx).Model(model).
		Where("version = ?", old).
		Select("*").Omit("CreatedAt").
		Updates(model)
	if res.Error != nil {
		*version = old
		return res.Error
	}
	if res.RowsAffected == 0 {
		*version = old
		return ErrVersionConflict
	}
	return nil
}

func CreateAlert(ctx context.Context, db *gorm.DB, alert *Alert) error {
	return db.WithContext(ctx).Create(alert).Error
}

func GetAlert(ctx context.Context, db *gorm.DB, id string) (*Alert, error) {
	var alert Alert
	err := db.WithContext(ctx).Where("id = ?", id).First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// UpdateAlert 读取-修改-比较交换；冲突时重新读取并重放 mutate
func UpdateAlert(ctx context.Context, db *gorm.DB, id string, mutate func(*Alert) error) (*Alert, error) {
	for attempt := 0; attempt < MaxWriteAttempts; attempt++ {
		alert, err := GetAlert(ctx, db, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(alert); err != nil {
			if errors.Is(err, ErrNoChange) {
				return alert, nil
			}
			return nil, err
		}
		err = casSave(ctx, db, alert, &alert.Version)
		if err == nil {
			return alert, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, ErrVersionConflict
}

type AlertFilter struct {
	UserID string
	Type   string
	Status string
	Page   int
	Limit  int
}

// ListAlerts 按创建时间倒序分页
func ListAlerts(ctx context.Context, db *gorm.DB, f AlertFilter) ([]Alert, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 10
	}
	q := db.WithContext(ctx).Model(&Alert{}).Where("user_id = ?", f.UserID)
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var alerts []Alert
	err := q.Session(&gorm.Session{}).Order("created_at DESC").Order("id").
		Offset((f.Page - 1) * f.Limit).Limit(f.Limit).
		Find(&alerts).Error
	return alerts, total, err
}

// ListActiveAlerts 返回 active 状态的警报；userID 为空时返回全部用户的
func ListActiveAlerts(ctx context.Context, db *gorm.DB, userID string) ([]Alert, error) {
	q := db.WithContext(ctx).Where("status = ?", StatusActive)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var alerts []Alert
	err := q.Order("created_at").Find(&alerts).Error
	return alerts, err
}

// ExpiredAlert 被过期清理删除的警报
type ExpiredAlert struct {
	ID     string
	UserID string
}

// DeleteExpiredAlerts 删除 expiresAt 已过的警报
func DeleteExpiredAlerts(ctx context.Context, db *gorm.DB, now time.Time) ([]ExpiredAlert, error) {
	var expired []ExpiredAlert
	err := db.WithContext(ctx).Model(&Alert{}).
		Select("id", "user_id").
		Where("expires_at <= ?", now).
		Find(&expired).Error
	if err != nil || len(expired) == 0 {
		return nil, err
	}
	ids := make([]string, 0, len(expired))
	for _, e := range expired {
		ids = append(ids, e.ID)
	}
	if err := db.WithContext(ctx).Where("id IN ?", ids).Delete(&Alert{}).Error; err != nil {
		return nil, err
	}
	return expired, nil
}

// AlertBreakdown 单条警报的分类信息
type AlertBreakdown struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Severity string `json:"severity"`
}

type AlertStats struct {
	TotalAlerts         int64            `json:"totalAlerts"`
	AlertsByType        []AlertBreakdown `json:"alertsByType"`
	AverageResponseTime float64          `json:"averageResponseTime"`
}

// GetAlertStats 汇总用户的警报；平均响应时间只统计有人确认过的警报
func GetAlertStats(ctx context.Context, db *gorm.DB, userID string) (AlertStats, error) {
	stats := AlertStats{AlertsByType: []AlertBreakdown{}}
	q := db.WithContext(ctx).Model(&Alert{}).Where("user_id = ?", userID)
	if err := q.Select("type", "status", "severity").Order("created_at").Find(&stats.AlertsByType).Error; err != nil {
		return stats, err
	}
	stats.TotalAlerts = int64(len(stats.AlertsByType))

	var avg sql.NullFloat64
	row := db.WithContext(ctx).Model(&Alert{}).
		Select("AVG(response_average_response_time)").
		Where("user_id = ? AND response_total_responses > 0", userID).
		Row()
	if err := row.Scan(&avg); err != nil {
		return stats, err
	}
	if avg.Valid {
		stats.AverageResponseTime = avg.Float64
	}
	return stats, nil
}

func GetWhisperChain(ctx context.Context, db *gorm.DB, userID string) (*WhisperChain, error) {
	var chain WhisperChain
	err := db.WithContext(ctx).Where("user_id = ? AND is_active = ?", userID, true).First(&chain).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChainNotFound
	}
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

// UpdateWhisperChain 与 UpdateAlert 相同的比较交换写回
func UpdateWhisperChain(ctx context.Context, db *gorm.DB, userID string, mutate func(*WhisperChain) error) (*WhisperChain, error) {
	for attempt := 0; attempt < MaxWriteAttempts; attempt++ {
		chain, err := GetWhisperChain(ctx, db, userID)
		if err != nil {
			return nil, err
		}
		if err := mutate(chain); err != nil {
			if errors.Is(err, ErrNoChange) {
				return chain, nil
			}
			return nil, err
		}
		err = casSave(ctx, db, chain, &chain.Version)
		if err == nil {
			return chain, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, ErrVersionConflict
}

// UpsertWhisperChain 不存在时创建，存在时按 UpdateWhisperChain 更新。
// 并发创建撞上唯一索引时转为更新。
func UpsertWhisperChain(ctx context.Context, db *gorm.DB, userID string, mutate func(*WhisperChain) error) (*WhisperChain, error) {
	var lastErr error
	for attempt := 0; attempt < MaxWriteAttempts; attempt++ {
		chain, err := UpdateWhisperChain(ctx, db, userID, mutate)
		if !errors.Is(err, ErrChainNotFound) {
			return chain, err
		}
		chain = &WhisperChain{UserID: userID, IsActive: true, Version: 1}
		if err := mutate(chain); err != nil && !errors.Is(err, ErrNoChange) {
			return nil, err
		}
		if lastErr = db.WithContext(ctx).Create(chain).Error; lastErr == nil {
			return chain, nil
		}
	}
	return nil, lastErr
}
