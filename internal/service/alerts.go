package service

import (
	"context"
	"errors"
	"math"
	"time"

	"SafeHerHub/internal/models"
	"SafeHerHub/pkg/cache"
	apperrors "SafeHerHub/pkg/errors"
	"SafeHerHub/pkg/logger"
	"SafeHerHub/pkg/metrics"
	"SafeHerHub/pkg/notification"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Scheduler tracks the auto-escalation deadline of each active alert.
type Scheduler interface {
	Schedule(alertID string, at time.Time)
	Cancel(alertID string)
	Mark() uint64
	Replace(deadlines map[string]time.Time, since uint64)
}

// Notifier delivers best-effort events to users.
type Notifier interface {
	Notify(ctx context.Context, msg notification.Message) notification.Report
	NotifyAll(ctx context.Context, msgs []notification.Message) int
}

type AlertOptions struct {
	Cache                cache.Cache
	StatsTTL             time.Duration
	Scheduler            Scheduler
	Notifier             Notifier
	Metrics              *metrics.Metrics
	Now                  func() time.Time
	DefaultEscalateAfter int
	AlertTTL             time.Duration
}

// AlertService 警报生命周期与耳语链管理
type AlertService struct {
	db            *gorm.DB
	cache         cache.Cache
	statsTTL      time.Duration
	scheduler     Scheduler
	notifier      Notifier
	metrics       *metrics.Metrics
	now           func() time.Time
	escalateAfter int
	alertTTL      time.Duration
}

func NewAlertService(db *gorm.DB, opts AlertOptions) *AlertService {
	s := &AlertService{
		db:            db,
		cache:         opts.Cache,
		statsTTL:      opts.StatsTTL,
		scheduler:     opts.Scheduler,
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		now:           opts.Now,
		escalateAfter: opts.DefaultEscalateAfter,
		alertTTL:      opts.AlertTTL,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.escalateAfter < models.MinAutoEscalateAfter || s.escalateAfter > models.MaxAutoEscalateAfter {
		s.escalateAfter = models.DefaultAutoEscalateAfter
	}
	if s.alertTTL <= 0 {
		s.alertTTL = models.DefaultAlertTTL
	}
	if s.statsTTL <= 0 {
		s.statsTTL = time.Minute
	}
	return s
}

type CreateAlertInput struct {
	Type              string
	Title             string
	Message           string
	Coordinates       []float64
	Address           string
	Accuracy          float64
	Severity          string
	IsSilent          bool
	AutoEscalateAfter int // 0 表示使用默认值
	Metadata          models.Metadata
}

// CreateAlert 创建警报；耳语警报会快照当前耳语链作为升级链与接收人
func (s *AlertService) CreateAlert(ctx context.Context, userID string, in CreateAlertInput) (*models.Alert, error) {
	now := s.now()
	alert := models.NewAlert(userID, in.Type, in.Title, in.Message, now)
	alert.ExpiresAt = now.Add(s.alertTTL)
	alert.Location = models.Location{Coordinates: in.Coordinates, Address: in.Address, Accuracy: in.Accuracy}
	if in.Severity != "" {
		alert.Severity = in.Severity
	}
	alert.IsSilent = in.IsSilent
	alert.AutoEscalateAfter = s.escalateAfter
	if in.AutoEscalateAfter > 0 {
		alert.AutoEscalateAfter = in.AutoEscalateAfter
	}
	alert.Metadata = in.Metadata

	var chain *models.WhisperChain
	if in.Type == models.AlertTypeWhisper {
		c, err := models.GetWhisperChain(ctx, s.db, userID)
		switch {
		case err == nil:
			chain = c
			alert.SnapshotChain(chain, now)
		case !errors.Is(err, models.ErrChainNotFound):
			return nil, apperrors.Internal(err, "load whisper chain failed")
		}
	}

	if err := models.CreateAlert(ctx, s.db, alert); err != nil {
		return nil, apperrors.Internal(err, "create alert failed")
	}

	if chain != nil && len(chain.Chain) > 0 {
		_, err := models.UpdateWhisperChain(ctx, s.db, userID, func(w *models.WhisperChain) error {
			w.MarkUsed(now)
			return nil
		})
		if err != nil {
			logger.Warn("bump whisper chain usage failed", zap.String("user", userID), zap.Error(err))
		}
	}

	s.metrics.AlertCreated(alert.Type)
	s.schedule(alert)
	s.invalidateStats(ctx, userID)

	payload := alertPayload(alert)
	msgs := make([]notification.Message, 0, len(alert.Recipients))
	for _, r := range alert.Recipients {
		msgs = append(msgs, notification.Message{
			UserID:        r.User,
			ContactMethod: r.ContactMethod,
			Event:         notification.EventWhisperAlertReceived,
			Title:         alert.Title,
			Body:          alert.Message,
			Payload:       payload,
		})
	}
	s.notifyAll(ctx, alert.ID, msgs)
	return alert, nil
}

type ListAlertsInput struct {
	Type   string
	Status string
	Page   int
	Limit  int
}

type AlertList struct {
	Alerts      []models.Alert `json:"alerts"`
	TotalPages  int            `json:"totalPages"`
	CurrentPage int            `json:"currentPage"`
	Total       int64          `json:"total"`
}

func (s *AlertService) ListMyAlerts(ctx context.Context, userID string, in ListAlertsInput) (*AlertList, error) {
	if in.Page < 1 {
		in.Page = 1
	}
	if in.Limit < 1 {
		in.Limit = 10
	}
	alerts, total, err := models.ListAlerts(ctx, s.db, models.AlertFilter{
		UserID: userID, Type: in.Type, Status: in.Status, Page: in.Page, Limit: in.Limit,
	})
	if err != nil {
		return nil, apperrors.Internal(err, "list alerts failed")
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	return &AlertList{
		Alerts:      alerts,
		TotalPages:  int(math.Ceil(float64(total) / float64(in.Limit))),
		CurrentPage: in.Page,
		Total:       total,
	}, nil
}

// GetAlert 仅发起人或接收人可见
func (s *AlertService) GetAlert(ctx context.Context, userID, alertID string) (*models.Alert, error) {
	alert, err := models.GetAlert(ctx, s.db, alertID)
	if err != nil {
		return nil, s.classify(err, "view")
	}
	if !alert.IsOwner(userID) && !alert.IsRecipient(userID) {
		return nil, s.classify(errNotOwner, "view")
	}
	return alert, nil
}

// Acknowledge 接收人确认警报，返回响应时间（分钟）
func (s *AlertService) Acknowledge(ctx context.Context, userID, alertID string) (float64, error) {
	now := s.now()
	var (
		responseTime float64
		first        bool
	)
	alert, err := models.UpdateAlert(ctx, s.db, alertID, func(a *models.Alert) error {
		var err error
		responseTime, first, err = a.Acknowledge(userID, now)
		return err
	})
	if err != nil {
		return 0, s.classify(err, "acknowledge")
	}

	s.metrics.AlertAcknowledged(first, responseTime)
	if alert.Status != models.StatusActive {
		s.cancel(alert.ID)
	}

	if alert.Type == models.AlertTypeWhisper {
		_, err := models.UpdateWhisperChain(ctx, s.db, alert.UserID, func(w *models.WhisperChain) error {
			if !w.UpdateChainPerformance(userID, responseTime, true, now) {
				return models.ErrNoChange
			}
			return nil
		})
		if err != nil && !errors.Is(err, models.ErrChainNotFound) {
			logger.Warn("update chain performance failed", zap.String("alert", alert.ID), zap.Error(err))
		}
	}

	s.invalidateStats(ctx, alert.UserID)
	s.notify(ctx, notification.Message{
		UserID: alert.UserID,
		Event:  notification.EventAlertAcknowledged,
		Payload: map[string]interface{}{
			"alertId":      alert.ID,
			"by":           userID,
			"responseTime": responseTime,
			"status":       alert.Status,
		},
	})
	return responseTime, nil
}

// Escalate 发起人手动升级；链已耗尽时返回 nil
func (s *AlertService) Escalate(ctx context.Context, userID, alertID string) (*models.EscalationStep, error) {
	now := s.now()
	var step *models.EscalationStep
	alert, err := models.UpdateAlert(ctx, s.db, alertID, func(a *models.Alert) error {
		if !a.IsOwner(userID) {
			return errNotOwner
		}
		step = a.Escalate(now)
		if step == nil {
			return models.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return nil, s.classify(err, "escalate")
	}
	s.afterEscalation(ctx, alert, step, "manual")
	return step, nil
}

// AutoEscalate 截止时间到期时由调度器调用；若警报已不再 active 则忽略
func (s *AlertService) AutoEscalate(ctx context.Context, alertID string) {
	if _, err := s.autoEscalate(ctx, alertID); err != nil && !errors.Is(err, models.ErrAlertNotFound) {
		logger.Error("auto escalation failed", zap.String("alert", alertID), zap.Error(err))
	}
}

// autoEscalate 返回是否实际升级
func (s *AlertService) autoEscalate(ctx context.Context, alertID string) (bool, error) {
	now := s.now()
	var (
		step *models.EscalationStep
		due  bool
	)
	alert, err := models.UpdateAlert(ctx, s.db, alertID, func(a *models.Alert) error {
		step, due = nil, a.ShouldAutoEscalate(now)
		if !due {
			return models.ErrNoChange
		}
		step = a.Escalate(now)
		if step == nil {
			// 链已耗尽也离开 active，保证检查可重复执行
			a.Status = models.StatusEscalated
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !due {
		if alert.Status == models.StatusActive {
			s.schedule(alert)
		}
		return false, nil
	}
	s.afterEscalation(ctx, alert, step, "auto")
	return true, nil
}

func (s *AlertService) afterEscalation(ctx context.Context, alert *models.Alert, step *models.EscalationStep, trigger string) {
	s.cancel(alert.ID)
	if step == nil {
		s.metrics.AlertEscalated(trigger, "exhausted")
		if trigger == "auto" {
			s.invalidateStats(ctx, alert.UserID)
		}
		return
	}
	s.metrics.AlertEscalated(trigger, "escalated")
	s.invalidateStats(ctx, alert.UserID)

	payload := alertPayload(alert)
	payload["level"] = step.Level
	s.notify(ctx, notification.Message{
		UserID:        step.Contact,
		ContactMethod: contactMethodFor(alert, step.Contact),
		Event:         notification.EventAlertEscalated,
		Title:         alert.Title,
		Body:          alert.Message,
		Payload:       payload,
	})
	s.notify(ctx, notification.Message{
		UserID:  alert.UserID,
		Event:   notification.EventAlertEscalated,
		Payload: map[string]interface{}{"alertId": alert.ID, "level": step.Level, "contact": step.Contact},
	})
}

// CheckEscalation 扫描调用者的 active 警报并升级已超时的，返回升级数
func (s *AlertService) CheckEscalation(ctx context.Context, userID string) (int, error) {
	now := s.now()
	alerts, err := models.ListActiveAlerts(ctx, s.db, userID)
	if err != nil {
		return 0, apperrors.Internal(err, "load active alerts failed")
	}
	escalated := 0
	for i := range alerts {
		if !alerts[i].ShouldAutoEscalate(now) {
			continue
		}
		ok, err := s.autoEscalate(ctx, alerts[i].ID)
		if err != nil {
			if errors.Is(err, models.ErrAlertNotFound) {
				continue
			}
			return escalated, s.classify(err, "escalate")
		}
		if ok {
			escalated++
		}
	}
	return escalated, nil
}

// UpdateStatus 发起人直接设置状态，不校验状态迁移
func (s *AlertService) UpdateStatus(ctx context.Context, userID, alertID, status string) (string, error) {
	alert, err := models.UpdateAlert(ctx, s.db, alertID, func(a *models.Alert) error {
		if !a.IsOwner(userID) {
			return errNotOwner
		}
		if a.Status == status {
			return models.ErrNoChange
		}
		a.Status = status
		return nil
	})
	if err != nil {
		return "", s.classify(err, "update")
	}

	if alert.Status == models.StatusActive {
		s.schedule(alert)
	} else {
		s.cancel(alert.ID)
	}
	s.invalidateStats(ctx, alert.UserID)
	payload := map[string]interface{}{"alertId": alert.ID, "status": alert.Status}
	msgs := make([]notification.Message, 0, len(alert.Recipients))
	for _, r := range alert.Recipients {
		msgs = append(msgs, notification.Message{
			UserID:  r.User,
			Event:   notification.EventAlertStatusUpdated,
			Payload: payload,
		})
	}
	s.notifyAll(ctx, alert.ID, msgs)
	return alert.Status, nil
}

// ReconcileDeadlines 从存储重建全部 active 警报的截止时间
func (s *AlertService) ReconcileDeadlines(ctx context.Context) error {
	if s.scheduler == nil {
		return nil
	}
	since := s.scheduler.Mark()
	alerts, err := models.ListActiveAlerts(ctx, s.db, "")
	if err != nil {
		return err
	}
	deadlines := make(map[string]time.Time, len(alerts))
	for i := range alerts {
		deadlines[alerts[i].ID] = alerts[i].Deadline()
	}
	s.scheduler.Replace(deadlines, since)
	return nil
}

// PurgeExpired 删除已过期的警报，返回删除数
func (s *AlertService) PurgeExpired(ctx context.Context) (int, error) {
	expired, err := models.DeleteExpiredAlerts(ctx, s.db, s.now())
	if err != nil {
		return 0, err
	}
	owners := make(map[string]struct{})
	for _, e := range expired {
		s.cancel(e.ID)
		owners[e.UserID] = struct{}{}
	}
	for owner := range owners {
		s.invalidateStats(ctx, owner)
	}
	s.metrics.AlertsExpired(len(expired))
	return len(expired), nil
}

func (s *AlertService) schedule(a *models.Alert) {
	if s.scheduler != nil && a.Status == models.StatusActive {
		s.scheduler.Schedule(a.ID, a.Deadline())
	}
}

func (s *AlertService) cancel(alertID string) {
	if s.scheduler != nil {
		s.scheduler.Cancel(alertID)
	}
}

func (s *AlertService) notify(ctx context.Context, msg notification.Message) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, msg)
	}
}

func (s *AlertService) notifyAll(ctx context.Context, alertID string, msgs []notification.Message) {
	if s.notifier == nil || len(msgs) == 0 {
		return
	}
	if n := s.notifier.NotifyAll(ctx, msgs); n < len(msgs) {
		logger.Debug("some recipients not reached", zap.String("alert", alertID), zap.Int("reached", n), zap.Int("total", len(msgs)))
	}
}

func contactMethodFor(a *models.Alert, userID string) string {
	for _, r := range a.Recipients {
		if r.User == userID {
			return r.ContactMethod
		}
	}
	return notification.MethodAll
}

func alertPayload(a *models.Alert) map[string]interface{} {
	return map[string]interface{}{
		"alertId":   a.ID,
		"from":      a.UserID,
		"type":      a.Type,
		"title":     a.Title,
		"message":   a.Message,
		"severity":  a.Severity,
		"isSilent":  a.IsSilent,
		"location":  a.Location,
		"createdAt": a.CreatedAt,
	}
}
