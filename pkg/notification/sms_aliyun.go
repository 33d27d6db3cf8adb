package notification

import (
	"context"
	"fmt"
)

type AliyunSMSConfig struct {
	AccessKeyId     string
	AccessKeySecret string
	SignName        string
	TemplateCode    string
	Endpoint        string // 默认 cn-hangzhou
}

type AliyunSMS struct {
	cfg AliyunSMSConfig
	cli AliyunSMSClient
}

// AliyunSMSClient 便于替换/注入的发送接口（适配真实 SDK）
type AliyunSMSClient interface {
	Send(ctx context.Context, phone, sign, template string, params map[string]string) error
}

func NewAliyunSMS(cfg AliyunSMSConfig, cli AliyunSMSClient) *AliyunSMS {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "cn-hangzhou"
	}
	return &AliyunSMS{cfg: cfg, cli: cli}
}

// SendAlert 以模板短信发送警报摘要
func (a *AliyunSMS) SendAlert(ctx context.Context, phone, title, content string) error {
	if a == nil || a.cli == nil {
		return fmt.Errorf("AliyunSMSClient not configured")
	}
	if phone == "" {
		return fmt.Errorf("empty phone number")
	}
	params := map[string]string{"title": title, "content": content}
	return a.cli.Send(ctx, phone, a.cfg.SignName, a.cfg.TemplateCode, params)
}
