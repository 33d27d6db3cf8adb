// Package notification fans alert events out to the channels a recipient
// asked for. Delivery is best effort: failures are logged, never returned.
package notification

import (
	"context"

	"SafeHerHub/pkg/logger"

	"go.uber.org/zap"
)

// Realtime events pushed to connected sessions.
const (
	EventWhisperAlertReceived = "whisper-alert-received"
	EventAlertAcknowledged    = "alert-acknowledged"
	EventAlertEscalated       = "alert-escalated"
	EventAlertStatusUpdated   = "alert-status-updated"
)

// Contact methods stored on alert recipients. MethodEmail has no
// out-of-band channel and is served by the realtime sinks only.
const (
	MethodSMS   = "sms"
	MethodEmail = "email"
	MethodPush  = "push"
	MethodAll   = "all"
)

// RealtimeSink delivers an event to every live session of a user.
type RealtimeSink interface {
	SendToUser(userID, msgType string, data interface{}) bool
}

// PhoneResolver looks up the SMS number of a user. An empty result skips SMS.
type PhoneResolver func(ctx context.Context, userID string) string

// Message is one event addressed to one user.
type Message struct {
	UserID        string
	ContactMethod string
	Event         string
	Title         string
	Body          string
	Payload       interface{}
}

// Report tells which channels accepted a message. Realtime means at least
// one sink had a live session for the user.
type Report struct {
	Realtime bool
	Push     bool
	SMS      bool
}

type Dispatcher struct {
	realtime []RealtimeSink
	push     *JPush
	sms      *AliyunSMS
	phones   PhoneResolver
}

type Option func(*Dispatcher)

// WithRealtime adds another live channel next to the primary one.
func WithRealtime(sink RealtimeSink) Option {
	return func(d *Dispatcher) {
		if sink != nil {
			d.realtime = append(d.realtime, sink)
		}
	}
}

func WithPush(p *JPush) Option { return func(d *Dispatcher) { d.push = p } }

func WithSMS(s *AliyunSMS, phones PhoneResolver) Option {
	return func(d *Dispatcher) {
		d.sms = s
		d.phones = phones
	}
}

func NewDispatcher(realtime RealtimeSink, opts ...Option) *Dispatcher {
	d := &Dispatcher{}
	if realtime != nil {
		d.realtime = append(d.realtime, realtime)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify sends msg over the realtime channel and any out-of-band channel
// selected by its contact method.
func (d *Dispatcher) Notify(ctx context.Context, msg Message) Report {
	var r Report
	if d == nil || msg.UserID == "" {
		return r
	}
	for _, sink := range d.realtime {
		if sink.SendToUser(msg.UserID, msg.Event, msg.Payload) {
			r.Realtime = true
		}
	}

	method := msg.ContactMethod
	if d.push != nil && (method == MethodPush || method == MethodAll) {
		extras := map[string]interface{}{"event": msg.Event}
		if err := d.push.PushToAlias(ctx, []string{msg.UserID}, msg.Title, msg.Body, extras); err != nil {
			logger.Warn("push notification failed", zap.String("user", msg.UserID), zap.String("event", msg.Event), zap.Error(err))
		} else {
			r.Push = true
		}
	}
	if d.sms != nil && (method == MethodSMS || method == MethodAll) {
		phone := ""
		if d.phones != nil {
			phone = d.phones(ctx, msg.UserID)
		}
		if phone == "" {
			logger.Debug("no phone on file, sms skipped", zap.String("user", msg.UserID))
		} else if err := d.sms.SendAlert(ctx, phone, msg.Title, msg.Body); err != nil {
			logger.Warn("sms notification failed", zap.String("user", msg.UserID), zap.String("event", msg.Event), zap.Error(err))
		} else {
			r.SMS = true
		}
	}
	return r
}

// NotifyAll sends the same event to several users.
func (d *Dispatcher) NotifyAll(ctx context.Context, msgs []Message) int {
	delivered := 0
	for _, m := range msgs {
		if r := d.Notify(ctx, m); r.Realtime || r.Push || r.SMS {
			delivered++
		}
	}
	return delivered
}
