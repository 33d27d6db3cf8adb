package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 未被联系过的成员在排序时按该响应时间处理
const unrankedResponseTime = 999

type ChainMember struct {
	Contact       string     `json:"contact"`
	Priority      int        `json:"priority"` // 越小越优先
	ResponseTime  float64    `json:"responseTime"`
	LastContacted *time.Time `json:"lastContacted,omitempty"`
	IsActive      bool       `json:"isActive"`
}

// ChainContact 替换链时的输入
type ChainContact struct {
	ContactID string
	Priority  int
}

// WhisperChain 用户的可信联系人链，每个用户仅一条
type WhisperChain struct {
	ID          string                           `json:"id" gorm:"primaryKey;size:36"`
	UserID      string                           `json:"userId" gorm:"size:36;not null;uniqueIndex"`
	Chain       datatypes.JSONSlice[ChainMember] `json:"chain"`
	IsActive    bool                             `json:"isActive" gorm:"default:true"`
	LastUsed    *time.Time                       `json:"lastUsed,omitempty"`
	TotalUses   int                              `json:"totalUses"`
	SuccessRate float64                          `json:"successRate"`
	Version     int64                            `json:"version" gorm:"not null;default:1"`
	CreatedAt   time.Time                        `json:"createdAt"`
	UpdatedAt   time.Time                        `json:"updatedAt"`
}

func (w *WhisperChain) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Version == 0 {
		w.Version = 1
	}
	return nil
}

// ReplaceMembers 整体替换成员，历史响应数据清零
func (w *WhisperChain) ReplaceMembers(contacts []ChainContact, now time.Time) {
	members := make(datatypes.JSONSlice[ChainMember], 0, len(contacts))
	for _, c := range contacts {
		priority := c.Priority
		if priority <= 0 {
			priority = 1
		}
		contacted := now
		members = append(members, ChainMember{
			Contact:       c.ContactID,
			Priority:      priority,
			LastContacted: &contacted,
			IsActive:      true,
		})
	}
	w.Chain = members
	w.IsActive = true
	w.recalculateSuccessRate()
}

// MarkUsed 每次据此创建耳语警报时调用
func (w *WhisperChain) MarkUsed(now time.Time) {
	used := now
	w.LastUsed = &used
	w.TotalUses++
}

// UpdateChainPerformance 用两点平均更新响应时间并调整优先级。
// 失败时优先级最多降到链长，保证成员始终可达。返回是否找到该联系人。
func (w *WhisperChain) UpdateChainPerformance(contactID string, responseTime float64, success bool, now time.Time) bool {
	found := false
	for i := range w.Chain {
		m := &w.Chain[i]
		if m.Contact != contactID {
			continue
		}
		found = true
		if m.ResponseTime != 0 {
			m.ResponseTime = (m.ResponseTime + responseTime) / 2
		} else {
			m.ResponseTime = responseTime
		}
		contacted := now
		m.LastContacted = &contacted
		if success {
			m.Priority = max(1, m.Priority-1)
		} else if m.Priority < len(w.Chain) {
			m.Priority++
		}
		break
	}
	w.recalculateSuccessRate()
	return found
}

func (w *WhisperChain) recalculateSuccessRate() {
	if len(w.Chain) == 0 {
		w.SuccessRate = 0
		return
	}
	responded := 0
	for _, m := range w.Chain {
		if m.ResponseTime > 0 {
			responded++
		}
	}
	w.SuccessRate = float64(responded) / float64(len(w.Chain))
}

func rankScore(m ChainMember) float64 {
	if m.ResponseTime == 0 {
		return unrankedResponseTime
	}
	return m.ResponseTime
}

// OptimizeChain 按响应时间升序稳定排序，并重排为 1..N 的优先级
func (w *WhisperChain) OptimizeChain() {
	sort.SliceStable(w.Chain, func(i, j int) bool {
		return rankScore(w.Chain[i]) < rankScore(w.Chain[j])
	})
	for i := range w.Chain {
		w.Chain[i].Priority = i + 1
	}
}

// GetNextContact 活跃成员中优先级最高者，同优先级保持原顺序
func (w *WhisperChain) GetNextContact() *ChainMember {
	var active []ChainMember
	for _, m := range w.Chain {
		if m.IsActive {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return nil
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Priority < active[j].Priority })
	next := active[0]
	return &next
}
