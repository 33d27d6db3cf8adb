package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// newUpgrader 根据配置创建WebSocket升级器
func newUpgrader(cfg *Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:    cfg.ReadBufferSize,
		WriteBufferSize:   cfg.WriteBufferSize,
		CheckOrigin:       originChecker(cfg.AllowedOrigins),
		EnableCompression: cfg.EnableCompression,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// HandleWebSocket 升级连接并注册到 Hub，userID 来自已校验的 token
func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) error {
	upgrader := newUpgrader(hub.config)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("WebSocket升级失败: %v", err)
		return err
	}

	if hub.config.EnableCompression {
		conn.EnableWriteCompression(true)
	}

	connection := newConnection(hub, conn, userID)
	hub.register <- connection

	go connection.writePump()
	go connection.readPump()
	return nil
}

func newConnection(hub *Hub, conn *websocket.Conn, userID string) *Connection {
	return &Connection{
		ID:       "conn_" + uuid.NewString(),
		UserID:   userID,
		Conn:     conn,
		Send:     make(chan []byte, hub.config.MessageBufferSize),
		Hub:      hub,
		LastPing: time.Now(),
		IsAlive:  true,
	}
}

// readPump 读取消息的协程
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(int64(c.Hub.config.MaxMessageSize))
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.touch()
		return c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket读取错误: %v", err)
			}
			break
		}
		c.touch()
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
		c.handleMessage(message)
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.LastPing = time.Now()
	c.mu.Unlock()
}

// writePump 发送消息的协程，每帧一条消息
func (c *Connection) writePump() {
	interval := c.Hub.config.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(time.Duration(float64(interval) * 0.9))
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Connection) handleMessage(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		logrus.Errorf("消息解析失败: %v", err)
		c.reply(MessageTypeError, ErrInvalidMessageData)
		return
	}

	// 发送者以认证身份为准
	msg.From = c.UserID

	switch msg.Type {
	case MessageTypePing:
		c.reply(MessageTypePong, nil)
	case MessageTypeWhisperAlert:
		c.handleWhisperAlert(msg)
	default:
		logrus.Warnf("未知的消息类型: %s", msg.Type)
		c.reply(MessageTypeError, ErrInvalidMessageType)
	}
}

// whisperAlertPayload 客户端直接发起的耳语警报
type whisperAlertPayload struct {
	ContactIDs []string        `json:"contactIds"`
	Message    string          `json:"message,omitempty"`
	Location   json.RawMessage `json:"location,omitempty"`
}

// handleWhisperAlert 将耳语警报转发给列出的联系人
func (c *Connection) handleWhisperAlert(msg Message) {
	raw, err := json.Marshal(msg.Data)
	if err != nil {
		c.reply(MessageTypeError, ErrInvalidMessageData)
		return
	}
	var payload whisperAlertPayload
	if err := json.Unmarshal(raw, &payload); err != nil || len(payload.ContactIDs) == 0 {
		c.reply(MessageTypeError, ErrInvalidMessageData)
		return
	}

	for _, contactID := range payload.ContactIDs {
		if contactID == "" || contactID == c.UserID {
			continue
		}
		c.Hub.enqueue(&Message{
			Type: MessageTypeWhisperAlertReceived,
			Data: msg.Data,
			From: c.UserID,
			To:   contactID,
		})
	}
}

// reply 直接写入当前连接的发送缓冲区
func (c *Connection) reply(msgType string, data interface{}) {
	if err := c.SendMessage(&Message{Type: msgType, Data: data, Timestamp: time.Now().Unix()}); err != nil {
		logrus.Warnf("连接 %s %v", c.ID, err)
	}
}

// SendMessage 发送消息给当前连接
func (c *Connection) SendMessage(message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case c.Send <- data:
		return nil
	default:
		return fmt.Errorf(ErrSendBufferFull)
	}
}
