package notification

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu   sync.Mutex
	sent map[string][]string
	ok   bool
}

func (f *fakeSink) SendToUser(userID, msgType string, _ interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string][]string{}
	}
	f.sent[userID] = append(f.sent[userID], msgType)
	return f.ok
}

type fakePush struct {
	audiences []map[string]interface{}
	err       error
}

func (f *fakePush) Push(_ context.Context, _, _ string, audience map[string]interface{}, _ map[string]interface{}) error {
	f.audiences = append(f.audiences, audience)
	return f.err
}

type fakeSMS struct{ phones []string }

func (f *fakeSMS) Send(_ context.Context, phone, _, _ string, _ map[string]string) error {
	f.phones = append(f.phones, phone)
	return nil
}

func TestNotifyRealtimeOnly(t *testing.T) {
	sink := &fakeSink{ok: true}
	d := NewDispatcher(sink)

	r := d.Notify(context.Background(), Message{UserID: "u1", ContactMethod: MethodAll, Event: EventAlertEscalated})
	assert.True(t, r.Realtime)
	assert.False(t, r.Push)
	assert.False(t, r.SMS)
	assert.Equal(t, []string{EventAlertEscalated}, sink.sent["u1"])
}

func TestNotifySelectsChannelsByMethod(t *testing.T) {
	push := &fakePush{}
	sms := &fakeSMS{}
	phones := func(_ context.Context, id string) string {
		if id == "u1" {
			return "+8613800000000"
		}
		return ""
	}
	d := NewDispatcher(&fakeSink{}, WithPush(NewJPush(JPushConfig{}, push)), WithSMS(NewAliyunSMS(AliyunSMSConfig{}, sms), phones))
	ctx := context.Background()

	r := d.Notify(ctx, Message{UserID: "u1", ContactMethod: MethodAll, Event: EventWhisperAlertReceived})
	assert.True(t, r.Push)
	assert.True(t, r.SMS)

	r = d.Notify(ctx, Message{UserID: "u1", ContactMethod: MethodPush})
	assert.True(t, r.Push)
	assert.False(t, r.SMS)

	r = d.Notify(ctx, Message{UserID: "u2", ContactMethod: MethodSMS})
	assert.False(t, r.SMS, "no phone on file")

	r = d.Notify(ctx, Message{UserID: "u1", ContactMethod: MethodEmail})
	assert.False(t, r.Push)
	assert.False(t, r.SMS)

	require.Len(t, push.audiences, 2)
	assert.Equal(t, []string{"u1"}, push.audiences[0]["alias"])
	assert.Equal(t, []string{"+8613800000000"}, sms.phones)
}

func TestEmailRecipientsGetRealtimeOnly(t *testing.T) {
	sink := &fakeSink{ok: true}
	push := &fakePush{}
	sms := &fakeSMS{}
	phones := func(context.Context, string) string { return "+8613800000000" }
	d := NewDispatcher(sink, WithPush(NewJPush(JPushConfig{}, push)), WithSMS(NewAliyunSMS(AliyunSMSConfig{}, sms), phones))

	r := d.Notify(context.Background(), Message{UserID: "u1", ContactMethod: MethodEmail, Event: EventAlertEscalated})
	assert.Equal(t, Report{Realtime: true}, r)
	assert.Equal(t, []string{EventAlertEscalated}, sink.sent["u1"])
	assert.Empty(t, push.audiences)
	assert.Empty(t, sms.phones)
}

func TestNotifySwallowsChannelErrors(t *testing.T) {
	d := NewDispatcher(nil, WithPush(NewJPush(JPushConfig{}, &fakePush{err: errors.New("boom")})))
	r := d.Notify(context.Background(), Message{UserID: "u1", ContactMethod: MethodPush})
	assert.False(t, r.Push)
}

func TestNotifyAllCountsDelivered(t *testing.T) {
	sink := &fakeSink{ok: true}
	d := NewDispatcher(sink)
	n := d.NotifyAll(context.Background(), []Message{
		{UserID: "a", Event: EventAlertStatusUpdated},
		{UserID: "", Event: EventAlertStatusUpdated},
		{UserID: "b", Event: EventAlertStatusUpdated},
	})
	assert.Equal(t, 2, n)

	var nilDispatcher *Dispatcher
	assert.Equal(t, Report{}, nilDispatcher.Notify(context.Background(), Message{UserID: "a"}))
}

func TestUnconfiguredClients(t *testing.T) {
	var j *JPush
	assert.Error(t, j.PushToAlias(context.Background(), []string{"a"}, "", "", nil))
	assert.Error(t, NewAliyunSMS(AliyunSMSConfig{}, nil).SendAlert(context.Background(), "1", "", ""))
	assert.Error(t, NewAliyunSMS(AliyunSMSConfig{}, &fakeSMS{}).SendAlert(context.Background(), "", "", ""))
}

func TestNotifyFansOutToEveryRealtimeSink(t *testing.T) {
	ws := &fakeSink{}
	stream := &fakeSink{ok: true}
	d := NewDispatcher(ws, WithRealtime(stream), WithRealtime(nil))

	r := d.Notify(context.Background(), Message{UserID: "u1", Event: EventAlertAcknowledged})
	assert.True(t, r.Realtime)
	assert.Equal(t, []string{EventAlertAcknowledged}, ws.sent["u1"])
	assert.Equal(t, []string{EventAlertAcknowledged}, stream.sent["u1"])
}
