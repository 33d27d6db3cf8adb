package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"SafeHerHub/pkg/middleware"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConn(id, userID string, hub *Hub) *Connection {
	return &Connection{
		ID:       id,
		UserID:   userID,
		Send:     make(chan []byte, 8),
		Hub:      hub,
		LastPing: time.Now(),
		IsAlive:  true,
	}
}

func decode(t *testing.T, raw []byte) Message {
	t.Helper()
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestNewHub(t *testing.T) {
	hub := NewHub(nil)
	assert.NotNil(t, hub)
	assert.Equal(t, int64(100000), hub.config.MaxConnections)
	assert.Equal(t, 30*time.Second, hub.config.HeartbeatInterval)

	hub.Close()
	// 重复关闭无副作用
	hub.Close()
}

func TestHubConnectionManagement(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn := testConn("test_conn_1", "test_user_1", hub)

	hub.register <- conn
	time.Sleep(100 * time.Millisecond) // 等待处理

	assert.Equal(t, int64(1), hub.GetConnectionCount())
	assert.Equal(t, 1, hub.GetUserConnections("test_user_1"))
	assert.True(t, hub.IsOnline("test_user_1"))

	hub.unregister <- conn
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int64(0), hub.GetConnectionCount())
	assert.False(t, hub.IsOnline("test_user_1"))
	_, open := <-conn.Send
	assert.False(t, open)
}

func TestHubMaxConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	hub := NewHub(cfg)
	defer hub.Close()

	hub.register <- testConn("c1", "u1", hub)
	hub.register <- testConn("c2", "u2", hub)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int64(1), hub.GetConnectionCount())
	assert.False(t, hub.IsOnline("u2"))
}

func TestSendToUserReachesEveryConnection(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	a := testConn("c1", "u1", hub)
	b := testConn("c2", "u1", hub)
	other := testConn("c3", "u2", hub)
	hub.register <- a
	hub.register <- b
	hub.register <- other
	time.Sleep(100 * time.Millisecond)

	require.True(t, hub.SendToUser("u1", "alert-acknowledged", map[string]string{"alertId": "a1"}))

	for _, c := range []*Connection{a, b} {
		select {
		case raw := <-c.Send:
			msg := decode(t, raw)
			assert.Equal(t, "alert-acknowledged", msg.Type)
			assert.Equal(t, "u1", msg.To)
			assert.NotZero(t, msg.Timestamp)
		case <-time.After(time.Second):
			t.Fatalf("connection %s got nothing", c.ID)
		}
	}
	assert.Len(t, other.Send, 0)
	assert.Equal(t, int64(2), hub.Stats().Delivered)
}

func TestSendToUserOfflineOrEmpty(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	assert.False(t, hub.SendToUser("", "x", nil))
	// 离线用户不计为实时送达
	assert.False(t, hub.SendToUser("nobody", "x", nil))
	assert.Zero(t, hub.Stats().Dropped)

	conn := testConn("c1", "late", hub)
	hub.register <- conn
	require.Eventually(t, func() bool { return hub.IsOnline("late") }, time.Second, 10*time.Millisecond)
	assert.True(t, hub.SendToUser("late", "x", nil))

	hub.unregister <- conn
	require.Eventually(t, func() bool { return !hub.IsOnline("late") }, time.Second, 10*time.Millisecond)
	assert.False(t, hub.SendToUser("late", "x", nil))
}

func TestBackpressureDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn := &Connection{ID: "c1", UserID: "u1", Send: make(chan []byte, 1), Hub: hub, LastPing: time.Now(), IsAlive: true}
	hub.register <- conn
	time.Sleep(100 * time.Millisecond)

	hub.SendToUser("u1", "a", nil)
	hub.SendToUser("u1", "b", nil)
	time.Sleep(100 * time.Millisecond)

	stats := hub.Stats()
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestConnectionMessageHandling(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn := testConn("test_conn_1", "test_user_1", hub)

	conn.handleMessage([]byte(`{"type":"ping"}`))
	assert.Equal(t, MessageTypePong, decode(t, <-conn.Send).Type)

	conn.handleMessage([]byte(`{"type":"mystery"}`))
	msg := decode(t, <-conn.Send)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, ErrInvalidMessageType, msg.Data)

	conn.handleMessage([]byte(`not json`))
	assert.Equal(t, MessageTypeError, decode(t, <-conn.Send).Type)

	conn.handleMessage([]byte(`{"type":"whisper-alert","data":{"contactIds":[]}}`))
	assert.Equal(t, MessageTypeError, decode(t, <-conn.Send).Type)
}

func TestWhisperAlertRelay(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sender := testConn("c1", "alice", hub)
	contact := testConn("c2", "bob", hub)
	hub.register <- sender
	hub.register <- contact
	time.Sleep(100 * time.Millisecond)

	sender.handleMessage([]byte(`{"type":"whisper-alert","from":"mallory","data":{"contactIds":["bob","alice"],"message":"help"}}`))

	select {
	case raw := <-contact.Send:
		msg := decode(t, raw)
		assert.Equal(t, MessageTypeWhisperAlertReceived, msg.Type)
		assert.Equal(t, "alice", msg.From)
		data, ok := msg.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "help", data["message"])
	case <-time.After(time.Second):
		t.Fatal("contact did not receive relay")
	}
	// 发送者不会收到自己的警报
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sender.Send, 0)
}

func TestWebSocketEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil)
	defer hub.Close()

	r := gin.New()
	fakeAuth := func(c *gin.Context) {
		c.Set(middleware.UserIDKey, c.Query("user"))
		c.Next()
	}
	RegisterRoutes(r, NewHandler(hub), fakeAuth)
	srv := httptest.NewServer(r)
	defer srv.Close()

	dial := func(user string) *gws.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + RouteWebSocket + "?user=" + user
		c, _, err := gws.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		return c
	}
	alice := dial("alice")
	defer alice.Close()
	bob := dial("bob")
	defer bob.Close()

	require.Eventually(t, func() bool { return hub.IsOnline("alice") && hub.IsOnline("bob") },
		2*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.WriteJSON(Message{Type: MessageTypeWhisperAlert, Data: map[string]interface{}{"contactIds": []string{"bob"}}}))

	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	require.NoError(t, bob.ReadJSON(&got))
	assert.Equal(t, MessageTypeWhisperAlertReceived, got.Type)
	assert.Equal(t, "alice", got.From)
}

func TestHandleWebSocketRequiresUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil)
	defer hub.Close()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, RouteWebSocket, nil)

	NewHandler(hub).HandleWebSocket(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebSocketHandler(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	handler := NewHandler(hub)

	req := httptest.NewRequest("GET", "/ws/stats", nil)
	w := httptest.NewRecorder()

	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	handler.GetStats(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Contains(t, response, "total_connections")
	assert.Contains(t, response, "online_users")

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", RouteWebSocketHealth, nil)
	handler.HealthCheck(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestConfigValidation(t *testing.T) {
	assert.NoError(t, ValidateConfig(DefaultConfig()))
	assert.Error(t, ValidateConfig(nil))

	invalidConfig := DefaultConfig()
	invalidConfig.MaxConnections = 0
	assert.Error(t, ValidateConfig(invalidConfig))

	invalidConfig = DefaultConfig()
	invalidConfig.HeartbeatInterval = 90 * time.Second
	assert.Error(t, ValidateConfig(invalidConfig))
}

func TestConfigLoading(t *testing.T) {
	t.Setenv(EnvWebSocketMaxConnections, "50")
	t.Setenv(EnvWebSocketHeartbeatInterval, "10")
	t.Setenv(EnvWebSocketDropOnFull, "false")
	t.Setenv(EnvWebSocketAllowedOrigins, "https://a.example, https://b.example")

	config := LoadConfigFromEnv()
	assert.Equal(t, int64(50), config.MaxConnections)
	assert.Equal(t, 10*time.Second, config.HeartbeatInterval)
	assert.False(t, config.DropOnFull)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, config.AllowedOrigins)

	check := originChecker(config.AllowedOrigins)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
	req.Header.Set("Origin", "https://b.example")
	assert.True(t, check(req))
}
