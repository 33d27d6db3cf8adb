package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"SafeHerHub/internal/models"
	"SafeHerHub/pkg/cache"
	apperrors "SafeHerHub/pkg/errors"
	"SafeHerHub/pkg/middleware"
	"SafeHerHub/pkg/notification"
	"SafeHerHub/pkg/util"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeScheduler struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
	marks     int
}

func (f *fakeScheduler) Schedule(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlines[id] = at
}

func (f *fakeScheduler) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deadlines, id)
}

func (f *fakeScheduler) Mark() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks++
	return uint64(f.marks)
}

func (f *fakeScheduler) Replace(d map[string]time.Time, _ uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlines = d
}

func (f *fakeScheduler) get(id string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.deadlines[id]
	return at, ok
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []notification.Message
	batches int
}

func (f *fakeNotifier) Notify(_ context.Context, msg notification.Message) notification.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return notification.Report{Realtime: true}
}

func (f *fakeNotifier) NotifyAll(ctx context.Context, msgs []notification.Message) int {
	f.mu.Lock()
	f.batches++
	f.mu.Unlock()
	for _, m := range msgs {
		f.Notify(ctx, m)
	}
	return len(msgs)
}

func (f *fakeNotifier) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

func (f *fakeNotifier) events(event string) []notification.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notification.Message
	for _, m := range f.sent {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	db     *gorm.DB
	svc    *AlertService
	sched  *fakeScheduler
	notify *fakeNotifier
	cache  cache.Cache
	now    time.Time
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := util.InitDatabase("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	f := &fixture{
		db:     db,
		sched:  &fakeScheduler{deadlines: map[string]time.Time{}},
		notify: &fakeNotifier{},
		cache:  cache.NewLocalCache(cache.LocalConfig{}),
		now:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewAlertService(db, AlertOptions{
		Cache:     f.cache,
		StatsTTL:  time.Minute,
		Scheduler: f.sched,
		Notifier:  f.notify,
		Now:       func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) user(t *testing.T, name string) string {
	t.Helper()
	u, err := models.CreateUser(context.Background(), f.db, name, name+"@example.com", "password1", "", "")
	require.NoError(t, err)
	return u.ID
}

func (f *fixture) chain(t *testing.T, owner string, contacts ...string) {
	t.Helper()
	in := make([]models.ChainContact, 0, len(contacts))
	for _, c := range contacts {
		in = append(in, models.ChainContact{ContactID: c})
	}
	_, err := f.svc.ReplaceChain(context.Background(), owner, in, true)
	require.NoError(t, err)
}

func whisperInput(after int) CreateAlertInput {
	return CreateAlertInput{
		Type:              models.AlertTypeWhisper,
		Title:             "Walking home",
		Message:           "Someone is following me",
		Coordinates:       []float64{-73.98, 40.75},
		AutoEscalateAfter: after,
	}
}

func code(err error) int { return apperrors.GetCode(err) }

func TestCreateWhisperAlertSnapshotsChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner")
	x, y, z := f.user(t, "x"), f.user(t, "y"), f.user(t, "z")
	f.chain(t, owner, x, y, z)

	alert, err := f.svc.CreateAlert(ctx, owner, whisperInput(0))
	require.NoError(t, err)

	require.Len(t, alert.EscalationChain, 3)
	for i, step := range alert.EscalationChain {
		assert.Equal(t, i+1, step.Level)
	}
	assert.Equal(t, models.SeverityMedium, alert.Severity)
	assert.Equal(t, 30, alert.AutoEscalateAfter)
	assert.True(t, alert.ExpiresAt.Equal(f.now.Add(24*time.Hour)))

	at, ok := f.sched.get(alert.ID)
	require.True(t, ok)
	assert.True(t, at.Equal(f.now.Add(30*time.Minute)))

	received := f.notify.events(notification.EventWhisperAlertReceived)
	require.Len(t, received, 3)
	assert.Equal(t, 1, f.notify.batchCount())
	assert.Equal(t, x, received[0].UserID)
	assert.Equal(t, notification.MethodAll, received[0].ContactMethod)

	chain, err := f.svc.GetChain(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, chain.TotalUses)
	require.NotNil(t, chain.LastUsed)
}

func TestCreateWhisperAlertWithoutChain(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner")

	alert, err := f.svc.CreateAlert(context.Background(), owner, whisperInput(10))
	require.NoError(t, err)
	assert.Empty(t, alert.Recipients)
	assert.Empty(t, alert.EscalationChain)
	assert.Equal(t, 10, alert.AutoEscalateAfter)
}

func TestAcknowledgeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner")
	x, y, z := f.user(t, "x"), f.user(t, "y"), f.user(t, "z")
	f.chain(t, owner, x, y, z)

	// 给 y 一段历史响应记录
	_, err := models.UpdateWhisperChain(ctx, f.db, owner, func(w *models.WhisperChain) error {
		w.Chain[1].ResponseTime = 6
		w.Chain[1].Priority = 2
		return nil
	})
	require.NoError(t, err)

	alert, err := f.svc.CreateAlert(ctx, owner, whisperInput(0))
	require.NoError(t, err)

	f.advance(4 * time.Minute)
	rt, err := f.svc.Acknowledge(ctx, y, alert.ID)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, rt, 1e-9)

	got, err := f.svc.GetAlert(ctx, owner, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAcknowledged, got.Status)
	assert.InDelta(t, 4.0, got.Recipients[1].ResponseTime, 1e-9)
	assert.Nil(t, got.Recipients[0].AcknowledgedAt)
	assert.Nil(t, got.Recipients[2].AcknowledgedAt)
	assert.Equal(t, 1, got.ResponseData.TotalResponses)

	chain, err := f.svc.GetChain(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, chain.Chain[1].Priority)
	assert.InDelta(t, 5.0, chain.Chain[1].ResponseTime, 1e-9)
	assert.InDelta(t, 1.0/3.0, chain.SuccessRate, 1e-9)

	_, scheduled := f.sched.get(alert.ID)
	assert.False(t, scheduled)
	acks := f.notify.events(notification.EventAlertAcknowledged)
	require.Len(t, acks, 1)
	assert.Equal(t, owner, acks[0].UserID)

	// 第二个接收人确认不改变状态
	f.advance(time.Minute)
	_, err = f.svc.Acknowledge(ctx, z, alert.ID)
	require.NoError(t, err)
	got, err = f.svc.GetAlert(ctx, z, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAcknowledged, got.Status)
	assert.Equal(t, 2, got.ResponseData.TotalResponses)
}

func TestAcknowledgeRejectsNonRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner")
	x := f.user(t, "x")
	stranger := f.user(t, "stranger")
	f.chain(t, owner, x)
	alert, err := f.svc.CreateAlert(ctx, owner, whisperInput(0))
	require.NoError(t, err)

	_, err = f.svc.Acknowledge(ctx, stranger, alert.ID)
	assert.Equal(t, 403, code(err))
	assert.Equal(t, "Not authorized to acknowledge this alert", apperrors.GetMessage(err))

	_, err = f.svc.Acknowledge(ctx, x, "missing")
	assert.Equal(t, 404, code(err))
	assert.Equal(t, "Alert not found", apperrors.GetMessage(err))

	_, err = f.svc.GetAlert(ctx, stranger, alert.ID)
	assert.Equal(t, 403, code(err))
}

func TestCheckEscalationScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner")
	x, y := f.user(t, "x"), f.user(t, "y")
	f.chain(t, owner, x, y)

	alert, err := f.svc.CreateAlert(ctx, owner, whisperInput(5))
	require.NoError(t, err)

	n, err := f.svc.CheckEscalation(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(6 * time.Minute)
	n, err = f.svc.CheckEscalation(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.CheckEscalation(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.svc.GetAlert(ctx, owner, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, got.Status)
	assert.Equal(t, 1, got.EscalationLevel)
	require.NotNil(t, got.EscalationChain[0].TriggeredAt)

	escalated := f.notify.events(notification.EventAlertEscalated)
	require.Len(t, escalated, 2)
	assert.Equal(t, x, escalated[0].UserID)
	_, scheduled := f.sched.get(alert.ID)
	assert.False(t, scheduled)
}

func TestAutoEscalationWithExhaustedChainLeavesActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner")

	in := whisperInput(5)
	in.Type = models.AlertTypeEmergency
	alert, err := f.svc.CreateAlert(ctx, owner, in)
	require.NoError(t, err)

	// 未到期时调度器触发只会重新排期
	f.svc.AutoEscalate(ctx, alert.ID)
	at, ok := f.sched.get(alert.ID)
	require.True(t, ok)
	assert.True(t, at.Equal(f.now.Add(5*time.Minute)))

	f.advance(5 * time.Minute)
	f.svc.AutoEscalate(ctx, alert.ID)

	got, err := f.svc.GetAlert(ctx, owner, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, got.Status)
	assert.Zero(t, got.EscalationLevel)

	n, err := f.svc.CheckEscalation(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManualEscalate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner")
	x, y := f.user(t, "x"), f.user(t, "y")
	f.chain(t, owner, x, y)
	alert, err := f.svc.CreateAlert(ctx, owner, whisperInput(0))
	require.NoError(t, err)

	_, err = f.svc.Escalate(ctx, x, alert.ID)
	assert.Equal(t, 403, code(err))
	assert.Equal(t, "Not authorized to escalate this alert", apperrors.GetMessage(err))

	step, err := f.svc.Escalate(ctx, owner, alert.ID)
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, x, step.Contact)

	step, err = f.svc.Escalate(ctx, owner, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, y, step.Contact)
	assert.Equal(t, 2, step.Level)

	step, err = f.svc.Escalate(ctx, owner, alert.ID)
	require.NoError(t, err)
	assert.Nil(t, step)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner")
	x := f.user(t, "x")
	f.chain(t, owner, x)
	alert, err := f.svc.CreateAlert(ctx, owner, whisperInput(0))
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, x, alert.ID, models.StatusResolved)
	assert.Equal(t, 403, code(err))
	assert.Equal(t, "Not authorized to update this alert", apperrors.GetMessage(err))

	status, err := f.svc.UpdateStatus(ctx, owner, alert.ID, models.StatusResolved)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, status)
	_, scheduled := f.sched.get(alert.ID)
	assert.False(t, scheduled)
	updates := f.notify.events(notification.EventAlertStatusUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, x, updates[0].UserID)

	status, err = f.svc.UpdateStatus(ctx, owner, alert.ID, models.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, status)
	_, scheduled = f.sched.get(alert.ID)
	assert.True(t, scheduled)

	_, err = f.svc.UpdateStatus(ctx, owner, "missing", models.StatusResolved)
	assert.Equal(t, 404, code(err))
}

func TestReplaceChainValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner")
	x := f.user(t, "x")

	_, err := f.svc.ReplaceChain(ctx, owner, []models.ChainContact{{ContactID: x}, {ContactID: "ghost"}}, true)
	assert.Equal(t, 400, code(err))
	assert.Equal(t, "Some contacts not found", apperrors.GetMessage(err))

	_, err = f.svc.ReplaceChain(ctx, owner, []models.ChainContact{{ContactID: x}, {ContactID: x}}, true)
	assert.Equal(t, 400, code(err))

	_, err = f.svc.ReplaceChain(ctx, owner, []models.ChainContact{{ContactID: x}}, false)
	assert.Equal(t, 404, code(err))
	assert.Equal(t, "Whisper chain not found", apperrors.GetMessage(err))

	chain, err := f.svc.GetChain(ctx, owner)
	require.NoError(t, err)
	assert.Nil(t, chain)
}

func TestReplaceChainRoundTripAndOptimize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner")
	x, y, z := f.user(t, "x"), f.user(t, "y"), f.user(t, "z")

	_, err := f.svc.OptimizeChain(ctx, owner)
	assert.Equal(t, 404, code(err))

	f.chain(t, owner, x, y, z)
	chain, err := f.svc.GetChain(ctx, owner)
	require.NoError(t, err)
	for i, id := range []string{x, y, z} {
		assert.Equal(t, id, chain.Chain[i].Contact)
		assert.Zero(t, chain.Chain[i].ResponseTime)
	}

	_, err = models.UpdateWhisperChain(ctx, f.db, owner, func(w *models.WhisperChain) error {
		w.Chain[0].ResponseTime = 5
		w.Chain[2].ResponseTime = 2
		return nil
	})
	require.NoError(t, err)

	optimized, err := f.svc.OptimizeChain(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, z, optimized.Chain[0].Contact)
	assert.Equal(t, x, optimized.Chain[1].Contact)
	assert.Equal(t, y, optimized.Chain[2].Contact)
	assert.Equal(t, 3, optimized.Chain[2].Priority)

	// PUT 覆盖
	updated, err := f.svc.ReplaceChain(ctx, owner, []models.ChainContact{{ContactID: y, Priority: 4}}, false)
	require.NoError(t, err)
	require.Len(t, updated.Chain, 1)
	assert.Equal(t, 4, updated.Chain[0].Priority)
}

func TestStatsCachedAndInvalidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner")

	stats, err := f.svc.Stats(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, stats.Alerts.TotalAlerts)
	assert.Nil(t, stats.WhisperChain)
	assert.True(t, f.cache.Exists(ctx, statsKey(owner)))

	_, err = f.svc.CreateAlert(ctx, owner, whisperInput(0))
	require.NoError(t, err)
	assert.False(t, f.cache.Exists(ctx, statsKey(owner)))

	x := f.user(t, "x")
	f.chain(t, owner, x)
	stats, err = f.svc.Stats(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Alerts.TotalAlerts)
	require.Len(t, stats.Alerts.AlertsByType, 1)
	assert.Equal(t, models.AlertTypeWhisper, stats.Alerts.AlertsByType[0].Type)
	require.NotNil(t, stats.WhisperChain)
	assert.Equal(t, 1, stats.WhisperChain.TotalContacts)

	// 命中缓存
	cached, err := f.svc.Stats(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, stats, cached)
}

func TestPurgeExpiredAndReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner")

	old, err := f.svc.CreateAlert(ctx, owner, whisperInput(0))
	require.NoError(t, err)
	f.advance(20 * time.Hour)
	fresh, err := f.svc.CreateAlert(ctx, owner, whisperInput(0))
	require.NoError(t, err)

	f.sched.Replace(map[string]time.Time{}, 0)
	require.NoError(t, f.svc.ReconcileDeadlines(ctx))
	assert.Equal(t, 1, f.sched.marks)
	_, ok := f.sched.get(old.ID)
	assert.True(t, ok)
	_, ok = f.sched.get(fresh.ID)
	assert.True(t, ok)

	f.advance(5 * time.Hour)
	n, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.svc.GetAlert(ctx, owner, old.ID)
	assert.Equal(t, 404, code(err))
	_, ok = f.sched.get(old.ID)
	assert.False(t, ok)
	_, err = f.svc.GetAlert(ctx, owner, fresh.ID)
	assert.NoError(t, err)
}

func TestListMyAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner")
	for i := 0; i < 3; i++ {
		_, err := f.svc.CreateAlert(ctx, owner, whisperInput(0))
		require.NoError(t, err)
		f.advance(time.Minute)
	}

	list, err := f.svc.ListMyAlerts(ctx, owner, ListAlertsInput{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), list.Total)
	assert.Equal(t, 2, list.TotalPages)
	assert.Equal(t, 1, list.CurrentPage)
	assert.Len(t, list.Alerts, 2)

	list, err = f.svc.ListMyAlerts(ctx, owner, ListAlertsInput{Status: models.StatusResolved})
	require.NoError(t, err)
	assert.Empty(t, list.Alerts)
	assert.NotNil(t, list.Alerts)
}

func TestAuthRegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tokens := middleware.NewTokenIssuer("test-secret", time.Hour)
	auth := NewAuthService(f.db, tokens)

	resp, err := auth.Register(ctx, RegisterInput{Name: "Ada", Email: "Ada@Example.com", Password: "password1"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "ada@example.com", resp.User.Email)

	claims, err := tokens.Parse(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.User.ID, claims.UserID)

	_, err = auth.Register(ctx, RegisterInput{Name: "Ada", Email: "ada@example.com", Password: "password1"})
	assert.Equal(t, 400, code(err))

	_, err = auth.Login(ctx, "ada@example.com", "wrong")
	assert.Equal(t, 400, code(err))
	assert.Equal(t, "Invalid credentials", apperrors.GetMessage(err))

	_, err = auth.Login(ctx, "nobody@example.com", "password1")
	assert.Equal(t, 400, code(err))

	login, err := auth.Login(ctx, "ADA@example.com", "password1")
	require.NoError(t, err)
	me, err := auth.Me(ctx, login.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", me.Name)

	phone := PhoneResolver(f.db)
	assert.Equal(t, "", phone(ctx, login.User.ID))
}
