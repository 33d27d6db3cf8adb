package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 警报类型
const (
	AlertTypeWhisper   = "whisper"
	AlertTypeEmergency = "emergency"
	AlertTypeCheckIn   = "check_in"
	AlertTypePulse     = "pulse"
	AlertTypeGuardian  = "guardian"
)

// 严重程度
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// 警报状态
const (
	StatusActive       = "active"
	StatusAcknowledged = "acknowledged"
	StatusEscalated    = "escalated"
	StatusResolved     = "resolved"
	StatusExpired      = "expired"
)

const (
	ContactMethodSMS   = "sms"
	ContactMethodEmail = "email" // 仅实时通道
	ContactMethodPush  = "push"
	ContactMethodAll   = "all"
)

const (
	DefaultAutoEscalateAfter = 30 // 分钟
	MinAutoEscalateAfter     = 5
	MaxAutoEscalateAfter     = 120
	DefaultAlertTTL          = 24 * time.Hour
)

var ErrNotRecipient = errors.New("caller is not a recipient of this alert")

// Location 经纬度顺序为 [lng, lat]
type Location struct {
	Coordinates datatypes.JSONSlice[float64] `json:"coordinates"`
	Address     string                       `json:"address,omitempty" gorm:"size:255"`
	Accuracy    float64                      `json:"accuracy,omitempty"`
}

type Recipient struct {
	User           string     `json:"user"`
	ContactMethod  string     `json:"contactMethod"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResponseTime   float64    `json:"responseTime,omitempty"` // 分钟
}

type EscalationStep struct {
	Level        int        `json:"level"`
	Contact      string     `json:"contact"`
	TriggeredAt  *time.Time `json:"triggeredAt,omitempty"`
	ResponseTime float64    `json:"responseTime,omitempty"`
	AutoEscalate bool       `json:"autoEscalate"`
}

type Metadata struct {
	DeviceInfo   string  `json:"deviceInfo,omitempty" gorm:"size:255"`
	AppVersion   string  `json:"appVersion,omitempty" gorm:"size:32"`
	BatteryLevel float64 `json:"batteryLevel,omitempty"`
	NetworkType  string  `json:"networkType,omitempty" gorm:"size:32"`
}

type ResponseData struct {
	TotalResponses      int     `json:"totalResponses"`
	AverageResponseTime float64 `json:"averageResponseTime"`
	FirstResponseTime   float64 `json:"firstResponseTime"`
	LastResponseTime    float64 `json:"lastResponseTime"`
}

// Alert 一次安全事件
type Alert struct {
	ID                string                              `json:"id" gorm:"primaryKey;size:36"`
	UserID            string                              `json:"userId" gorm:"size:36;not null;index:idx_alerts_user_status,priority:1"`
	Type              string                              `json:"type" gorm:"size:16;not null"`
	Title             string                              `json:"title" gorm:"size:100;not null"`
	Message           string                              `json:"message" gorm:"size:500;not null"`
	Location          Location                            `json:"location" gorm:"embedded;embeddedPrefix:location_"`
	Severity          string                              `json:"severity" gorm:"size:16;default:medium"`
	Status            string                              `json:"status" gorm:"size:16;default:active;index:idx_alerts_user_status,priority:2"`
	IsSilent          bool                                `json:"isSilent"`
	Recipients        datatypes.JSONSlice[Recipient]      `json:"recipients"`
	EscalationChain   datatypes.JSONSlice[EscalationStep] `json:"escalationChain"`
	EscalationLevel   int                                 `json:"escalationLevel"` // 已触发的层级数
	AutoEscalateAfter int                                 `json:"autoEscalateAfter" gorm:"default:30"`
	ExpiresAt         time.Time                           `json:"expiresAt" gorm:"index"`
	Metadata          Metadata                            `json:"metadata" gorm:"embedded;embeddedPrefix:meta_"`
	ResponseData      ResponseData                        `json:"responseData" gorm:"embedded;embeddedPrefix:response_"`
	Version           int64                               `json:"version" gorm:"not null;default:1"`
	CreatedAt         time.Time                           `json:"createdAt" gorm:"index"`
	UpdatedAt         time.Time                           `json:"updatedAt"`
}

func (a *Alert) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Version == 0 {
		a.Version = 1
	}
	return nil
}

// NewAlert 填充默认值；createdAt 由调用方给出以便计算过期与截止时间
func NewAlert(userID, alertType, title, message string, now time.Time) *Alert {
	return &Alert{
		UserID:            userID,
		Type:              alertType,
		Title:             title,
		Message:           message,
		Severity:          SeverityMedium,
		Status:            StatusActive,
		Recipients:        datatypes.JSONSlice[Recipient]{},
		EscalationChain:   datatypes.JSONSlice[EscalationStep]{},
		AutoEscalateAfter: DefaultAutoEscalateAfter,
		ExpiresAt:         now.Add(DefaultAlertTTL),
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// SnapshotChain 按链的顺序生成逐级升级链与接收人，之后链的修改不影响本警报
func (a *Alert) SnapshotChain(chain *WhisperChain, now time.Time) {
	if chain == nil || len(chain.Chain) == 0 {
		return
	}
	steps := make(datatypes.JSONSlice[EscalationStep], 0, len(chain.Chain))
	recipients := make(datatypes.JSONSlice[Recipient], 0, len(chain.Chain))
	for i, member := range chain.Chain {
		steps = append(steps, EscalationStep{
			Level:        i + 1,
			Contact:      member.Contact,
			AutoEscalate: true,
		})
		sentAt := now
		recipients = append(recipients, Recipient{
			User:          member.Contact,
			ContactMethod: ContactMethodAll,
			SentAt:        &sentAt,
		})
	}
	a.EscalationChain = steps
	a.Recipients = recipients
}

func (a *Alert) IsOwner(userID string) bool { return a.UserID == userID }

func (a *Alert) recipientIndex(userID string) int {
	for i := range a.Recipients {
		if a.Recipients[i].User == userID {
			return i
		}
	}
	return -1
}

func (a *Alert) IsRecipient(userID string) bool { return a.recipientIndex(userID) >= 0 }

// Acknowledge 记录接收人的确认；仅首次确认会把 active 转为 acknowledged
func (a *Alert) Acknowledge(userID string, now time.Time) (responseTime float64, transitioned bool, err error) {
	idx := a.recipientIndex(userID)
	if idx < 0 {
		return 0, false, ErrNotRecipient
	}
	responseTime = minutesBetween(a.CreatedAt, now)
	ackAt := now
	a.Recipients[idx].AcknowledgedAt = &ackAt
	a.Recipients[idx].ResponseTime = responseTime

	if a.Status == StatusActive {
		a.Status = StatusAcknowledged
		transitioned = true
	}
	a.CalculateResponseMetrics()
	return responseTime, transitioned, nil
}

// CalculateResponseMetrics 根据已确认的接收人重算响应数据；无人确认时保持原值
func (a *Alert) CalculateResponseMetrics() ResponseData {
	var (
		responses int
		times     []float64
	)
	for _, r := range a.Recipients {
		if r.AcknowledgedAt == nil {
			continue
		}
		responses++
		if r.ResponseTime > 0 {
			times = append(times, r.ResponseTime)
		}
	}
	if responses == 0 {
		return a.ResponseData
	}

	data := ResponseData{TotalResponses: responses}
	if len(times) > 0 {
		sum := 0.0
		data.FirstResponseTime, data.LastResponseTime = times[0], times[0]
		for _, t := range times {
			sum += t
			data.FirstResponseTime = min(data.FirstResponseTime, t)
			data.LastResponseTime = max(data.LastResponseTime, t)
		}
		data.AverageResponseTime = sum / float64(len(times))
	}
	a.ResponseData = data
	return data
}

// Escalate 触发下一层级并返回该层联系人；链已耗尽时返回 nil 且不做修改
func (a *Alert) Escalate(now time.Time) *EscalationStep {
	next := a.EscalationLevel + 1
	for i := range a.EscalationChain {
		if a.EscalationChain[i].Level != next {
			continue
		}
		triggeredAt := now
		a.EscalationChain[i].TriggeredAt = &triggeredAt
		a.EscalationLevel = next
		a.Status = StatusEscalated
		step := a.EscalationChain[i]
		return &step
	}
	return nil
}

// Deadline 自动升级的截止时间
func (a *Alert) Deadline() time.Time {
	return a.CreatedAt.Add(time.Duration(a.AutoEscalateAfter) * time.Minute)
}

func (a *Alert) ShouldAutoEscalate(now time.Time) bool {
	return a.Status == StatusActive && !now.Before(a.Deadline())
}

func (a *Alert) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

func minutesBetween(from, to time.Time) float64 {
	return to.Sub(from).Minutes()
}

func ValidAlertType(t string) bool {
	switch t {
	case AlertTypeWhisper, AlertTypeEmergency, AlertTypeCheckIn, AlertTypePulse, AlertTypeGuardian:
		return true
	}
	return false
}

func ValidStatus(s string) bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusEscalated, StatusResolved, StatusExpired:
		return true
	}
	return false
}
