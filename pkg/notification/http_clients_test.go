package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJPushHTTPClient(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "app", user)
		assert.Equal(t, "secret", pass)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	push := NewJPush(JPushConfig{AppKey: "app", MasterSecret: "secret"},
		NewJPushHTTPClient(JPushConfig{AppKey: "app", MasterSecret: "secret"}, srv.URL, srv.Client()))
	err := push.PushToAlias(context.Background(), []string{"u1"}, "Alert", "help", map[string]interface{}{"alertId": "a1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"alias": []interface{}{"u1"}}, got["audience"])
}

func TestJPushHTTPClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":1011}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	cli := NewJPushHTTPClient(JPushConfig{}, srv.URL, srv.Client())
	err := cli.Push(context.Background(), "t", "c", map[string]interface{}{"alias": []string{"x"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestAliyunSMSHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "SendSms", q.Get("Action"))
		assert.Equal(t, "13800000000", q.Get("PhoneNumbers"))
		assert.Equal(t, "SafeHer", q.Get("SignName"))
		assert.NotEmpty(t, q.Get("Signature"))
		if q.Get("TemplateCode") == "bad" {
			_, _ = w.Write([]byte(`{"Code":"isv.INVALID","Message":"bad template"}`))
			return
		}
		_, _ = w.Write([]byte(`{"Code":"OK","Message":"OK"}`))
	}))
	defer srv.Close()

	cfg := AliyunSMSConfig{AccessKeyId: "id", AccessKeySecret: "secret", SignName: "SafeHer", TemplateCode: "SMS_1"}
	sms := NewAliyunSMS(cfg, NewAliyunSMSHTTPClient(cfg, srv.URL, srv.Client()))
	require.NoError(t, sms.SendAlert(context.Background(), "13800000000", "Alert", "help"))

	cfg.TemplateCode = "bad"
	sms = NewAliyunSMS(cfg, NewAliyunSMSHTTPClient(cfg, srv.URL, srv.Client()))
	err := sms.SendAlert(context.Background(), "13800000000", "Alert", "help")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "isv.INVALID")
}

func TestPercentEncode(t *testing.T) {
	assert.Equal(t, "a%20b%2A~", percentEncode("a b*~"))
	assert.Equal(t, "%2F", percentEncode("/"))
}
