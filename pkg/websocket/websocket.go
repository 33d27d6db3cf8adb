package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
}

// Connection 表示一个WebSocket连接
type Connection struct {
	ID       string
	UserID   string
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *Hub
	LastPing time.Time
	IsAlive  bool
	mu       sync.RWMutex
}

// Hub 管理所有WebSocket连接，按用户投递事件
type Hub struct {
	// 注册的连接
	connections map[string]*Connection
	// 用户ID到连接ID的映射
	userConnections map[string]map[string]bool
	// 定向投递通道
	deliver chan *Message
	// 注册连接通道
	register chan *Connection
	// 注销连接通道
	unregister chan *Connection
	// 连接计数
	connectionCount int64
	// 投递统计
	delivered int64
	dropped   int64
	// 配置
	config *Config
	// 互斥锁
	mu sync.RWMutex
	// 上下文
	ctx    context.Context
	cancel context.CancelFunc
	closed sync.Once
}

// NewHub 创建新的Hub实例
func NewHub(config *Config) *Hub {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	hub := &Hub{
		connections:     make(map[string]*Connection),
		userConnections: make(map[string]map[string]bool),
		deliver:         make(chan *Message, config.MessageQueueSize),
		register:        make(chan *Connection, 1000),
		unregister:      make(chan *Connection, 1000),
		config:          config,
		ctx:             ctx,
		cancel:          cancel,
	}

	go hub.run()
	return hub
}

// run Hub主循环
func (h *Hub) run() {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case conn := <-h.register:
			h.registerConnection(conn)
		case conn := <-h.unregister:
			h.unregisterConnection(conn)
		case message := <-h.deliver:
			// 单次序列化，同一用户的多个连接共享
			if message.Timestamp == 0 {
				message.Timestamp = time.Now().Unix()
			}
			data, err := json.Marshal(message)
			if err != nil {
				logrus.Errorf("消息序列化失败: %v", err)
				continue
			}
			h.sendToUser(message.To, data)
		case <-ticker.C:
			h.checkHeartbeats()
		}
	}
}

// registerConnection 注册连接
func (h *Hub) registerConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// 检查最大连接数
	if atomic.LoadInt64(&h.connectionCount) >= h.config.MaxConnections {
		if conn.Conn != nil {
			conn.Conn.Close()
		}
		logrus.Warnf("达到最大连接数限制: %d", h.config.MaxConnections)
		return
	}

	h.connections[conn.ID] = conn
	atomic.AddInt64(&h.connectionCount, 1)

	if conn.UserID != "" {
		if h.userConnections[conn.UserID] == nil {
			h.userConnections[conn.UserID] = make(map[string]bool)
		}
		h.userConnections[conn.UserID][conn.ID] = true
	}

	logrus.Infof("WebSocket连接已注册: %s, 用户: %s, 当前连接数: %d",
		conn.ID, conn.UserID, atomic.LoadInt64(&h.connectionCount))
}

// unregisterConnection 注销连接
func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.connections[conn.ID]; !exists {
		return
	}
	delete(h.connections, conn.ID)
	atomic.AddInt64(&h.connectionCount, -1)

	if conn.UserID != "" && h.userConnections[conn.UserID] != nil {
		delete(h.userConnections[conn.UserID], conn.ID)
		if len(h.userConnections[conn.UserID]) == 0 {
			delete(h.userConnections, conn.UserID)
		}
	}

	conn.mu.Lock()
	conn.IsAlive = false
	conn.mu.Unlock()
	close(conn.Send)
	logrus.Infof("WebSocket连接已注销: %s, 当前连接数: %d",
		conn.ID, atomic.LoadInt64(&h.connectionCount))
}

// sendToUser 发送消息给特定用户的所有连接
func (h *Hub) sendToUser(userID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID := range h.userConnections[userID] {
		if conn, ok := h.connections[connID]; ok && conn.alive() {
			h.trySend(conn, data)
		}
	}
}

// SendToUser 异步投递一条事件给用户；用户不在线时返回 false。
// 返回 false 表示投递队列已满。
func (h *Hub) SendToUser(userID, msgType string, data interface{}) bool {
	if !h.IsOnline(userID) {
		return false
	}
	return h.enqueue(&Message{Type: msgType, Data: data, To: userID})
}

func (h *Hub) enqueue(msg *Message) bool {
	if msg.To == "" {
		return false
	}
	select {
	case h.deliver <- msg:
		return true
	default:
		atomic.AddInt64(&h.dropped, 1)
		logrus.Warnf("投递队列已满，发往 %s 的 %s 消息被丢弃", msg.To, msg.Type)
		return false
	}
}

// IsOnline 用户是否至少有一个连接
func (h *Hub) IsOnline(userID string) bool {
	return h.GetUserConnections(userID) > 0
}

// checkHeartbeats 检查心跳
func (h *Hub) checkHeartbeats() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	for _, conn := range h.connections {
		conn.mu.Lock()
		expired := now.Sub(conn.LastPing) > h.config.ConnectionTimeout
		if expired {
			conn.IsAlive = false
		}
		conn.mu.Unlock()
		if expired && conn.Conn != nil {
			logrus.Warnf("连接 %s 心跳超时，准备关闭", conn.ID)
			conn.Conn.Close()
		}
	}
}

// GetConnectionCount 获取当前连接数
func (h *Hub) GetConnectionCount() int64 {
	return atomic.LoadInt64(&h.connectionCount)
}

// GetUserConnections 获取用户的连接数
func (h *Hub) GetUserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConnections[userID])
}

// Stats 连接与投递统计
type Stats struct {
	Connections int64 `json:"connections"`
	Users       int   `json:"users"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	users := len(h.userConnections)
	h.mu.RUnlock()
	return Stats{
		Connections: atomic.LoadInt64(&h.connectionCount),
		Users:       users,
		Delivered:   atomic.LoadInt64(&h.delivered),
		Dropped:     atomic.LoadInt64(&h.dropped),
	}
}

// Close 关闭Hub
func (h *Hub) Close() {
	h.closed.Do(func() {
		h.cancel()

		h.mu.Lock()
		for _, conn := range h.connections {
			if conn.Conn != nil {
				conn.Conn.Close()
			}
		}
		h.mu.Unlock()

		logrus.Info("WebSocket Hub已关闭")
	})
}

func (c *Connection) alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.IsAlive
}

// trySend 背压策略：缓冲区满时丢弃或限时等待
func (h *Hub) trySend(conn *Connection, data []byte) {
	if h.config.DropOnFull {
		select {
		case conn.Send <- data:
			atomic.AddInt64(&h.delivered, 1)
		default:
			h.onBackpressure(conn)
		}
		return
	}
	timeout := h.config.SendTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case conn.Send <- data:
		atomic.AddInt64(&h.delivered, 1)
	case <-timer.C:
		h.onBackpressure(conn)
	}
}

func (h *Hub) onBackpressure(conn *Connection) {
	atomic.AddInt64(&h.dropped, 1)
	logrus.Warnf("用户 %s 的连接 %s 发送缓冲区已满", conn.UserID, conn.ID)
	if h.config.CloseOnBackpressure && conn.Conn != nil {
		conn.Conn.Close()
	}
}
