package notification

import (
	"context"
	"errors"
)

type JPushConfig struct {
	AppKey       string
	MasterSecret string
}

// JPushClient 推送发送接口，便于注入真实 SDK
type JPushClient interface {
	Push(ctx context.Context, title, content string, audience map[string]interface{}, extras map[string]interface{}) error
}

var errPushNotConfigured = errors.New("jpush client not configured")

type JPush struct {
	cfg JPushConfig
	cli JPushClient
}

func NewJPush(cfg JPushConfig, cli JPushClient) *JPush { return &JPush{cfg: cfg, cli: cli} }

// PushToAlias 按别名（用户ID）推送
func (j *JPush) PushToAlias(ctx context.Context, alias []string, title, content string, extras map[string]interface{}) error {
	if j == nil || j.cli == nil {
		return errPushNotConfigured
	}
	aud := map[string]interface{}{"alias": alias}
	return j.cli.Push(ctx, title, content, aud, extras)
}
