package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	defaultJPushEndpoint  = "https://api.jpush.cn/v3/push"
	defaultAliyunEndpoint = "https://dysmsapi.aliyuncs.com/"
)

const requestTimeout = 5 * time.Second

func newRestyClient(hc *http.Client) *resty.Client {
	var c *resty.Client
	if hc != nil {
		c = resty.NewWithClient(hc)
	} else {
		c = resty.New()
	}
	return c.SetTimeout(requestTimeout).SetHeader("Accept", "application/json")
}

// JPushHTTPClient 调用极光 v3 REST 接口
type JPushHTTPClient struct {
	endpoint string
	http     *resty.Client
}

// NewJPushHTTPClient endpoint 为空时使用官方地址；hc 可为 nil
func NewJPushHTTPClient(cfg JPushConfig, endpoint string, hc *http.Client) *JPushHTTPClient {
	if endpoint == "" {
		endpoint = defaultJPushEndpoint
	}
	c := newRestyClient(hc).
		SetBasicAuth(cfg.AppKey, cfg.MasterSecret).
		SetHeader("Content-Type", "application/json")
	return &JPushHTTPClient{endpoint: endpoint, http: c}
}

func (j *JPushHTTPClient) Push(ctx context.Context, title, content string, audience map[string]interface{}, extras map[string]interface{}) error {
	payload := map[string]interface{}{
		"platform": "all",
		"audience": audience,
		"notification": map[string]interface{}{
			"alert":   content,
			"android": map[string]interface{}{"title": title, "alert": content, "extras": extras},
			"ios":     map[string]interface{}{"alert": map[string]string{"title": title, "body": content}, "extras": extras},
		},
		"options": map[string]interface{}{"time_to_live": 86400},
	}
	resp, err := j.http.R().SetContext(ctx).SetBody(payload).Post(j.endpoint)
	if err != nil {
		return fmt.Errorf("jpush: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("jpush: status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// AliyunSMSHTTPClient 以 RPC 签名（HMAC-SHA1）调用 SendSms
type AliyunSMSHTTPClient struct {
	cfg      AliyunSMSConfig
	endpoint string
	http     *resty.Client
	now      func() time.Time
}

func NewAliyunSMSHTTPClient(cfg AliyunSMSConfig, endpoint string, hc *http.Client) *AliyunSMSHTTPClient {
	if endpoint == "" {
		endpoint = defaultAliyunEndpoint
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "cn-hangzhou"
	}
	return &AliyunSMSHTTPClient{cfg: cfg, endpoint: endpoint, http: newRestyClient(hc), now: time.Now}
}

type aliyunResult struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

func (a *AliyunSMSHTTPClient) Send(ctx context.Context, phone, sign, template string, params map[string]string) error {
	tplParam, err := json.Marshal(params)
	if err != nil {
		return err
	}
	q := map[string]string{
		"AccessKeyId":      a.cfg.AccessKeyId,
		"Action":           "SendSms",
		"Format":           "JSON",
		"PhoneNumbers":     phone,
		"RegionId":         a.cfg.Endpoint,
		"SignName":         sign,
		"SignatureMethod":  "HMAC-SHA1",
		"SignatureNonce":   uuid.NewString(),
		"SignatureVersion": "1.0",
		"TemplateCode":     template,
		"TemplateParam":    string(tplParam),
		"Timestamp":        a.now().UTC().Format("2006-01-02T15:04:05Z"),
		"Version":          "2017-05-25",
	}
	canonical := canonicalQuery(q)
	signature := aliyunSign(a.cfg.AccessKeySecret, http.MethodGet, canonical)

	// 签名覆盖整个查询串，不能交给 resty 重新编码
	reqURL := a.endpoint + "?Signature=" + percentEncode(signature) + "&" + canonical
	resp, err := a.http.R().SetContext(ctx).Get(reqURL)
	if err != nil {
		return fmt.Errorf("aliyun sms: %w", err)
	}

	var result aliyunResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return fmt.Errorf("aliyun sms: status %d: %w", resp.StatusCode(), err)
	}
	if result.Code != "OK" {
		return fmt.Errorf("aliyun sms: %s: %s", result.Code, result.Message)
	}
	return nil
}

func canonicalQuery(q map[string]string) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, percentEncode(k)+"="+percentEncode(q[k]))
	}
	return strings.Join(parts, "&")
}

func aliyunSign(secret, method, canonical string) string {
	toSign := method + "&" + percentEncode("/") + "&" + percentEncode(canonical)
	mac := hmac.New(sha1.New, []byte(secret+"&"))
	mac.Write([]byte(toSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// percentEncode RFC 3986，空格为 %20，保留 ~
func percentEncode(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "+", "%20")
	e = strings.ReplaceAll(e, "*", "%2A")
	return strings.ReplaceAll(e, "%7E", "~")
}
