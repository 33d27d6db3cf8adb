package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type client struct {
	id     string
	userID string
	ch     chan string
	done   chan struct{}
}

// Hub 按用户推送事件流，给无法使用 WebSocket 的客户端
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	users    map[string]map[string]bool // userID -> clientID set
	interval time.Duration
	retryMs  int
	seq      uint64
}

func NewHub(interval time.Duration) *Hub {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Hub{clients: make(map[string]*client), users: make(map[string]map[string]bool), interval: interval, retryMs: 5000}
}

func (h *Hub) add(userID string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &client{id: uuid.NewString(), userID: userID, ch: make(chan string, 64), done: make(chan struct{})}
	h.clients[c.id] = c
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]bool)
	}
	h.users[userID][c.id] = true
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	if set := h.users[c.userID]; set != nil {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
	close(c.done)
}

// Close 断开全部流
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.remove(c)
	}
}

// Clients 当前打开的流数量
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendToUser 写入用户所有流的缓冲区，满则丢弃。至少一个流接收时返回 true
func (h *Hub) SendToUser(userID, event string, data interface{}) bool {
	b, err := json.Marshal(data)
	if err != nil {
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.users[userID]) == 0 {
		return false
	}
	msg := formatEvent(atomic.AddUint64(&h.seq, 1), event, string(b))
	sent := false
	for id := range h.users[userID] {
		select {
		case h.clients[id].ch <- msg:
			sent = true
		default:
		}
	}
	return sent
}

func formatEvent(id uint64, event, data string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %d\n", id)
	if event != "" {
		fmt.Fprintf(&sb, "event: %s\n", event)
	}
	fmt.Fprintf(&sb, "data: %s\n\n", data)
	return sb.String()
}

// Serve 阻塞直到客户端断开或 Hub 关闭
func (h *Hub) Serve(c *gin.Context, userID string) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	fmt.Fprintf(c.Writer, "retry: %d\n\n", h.retryMs)
	flusher.Flush()

	cl := h.add(userID)
	defer h.remove(cl)

	ping := time.NewTicker(h.interval)
	defer ping.Stop()

	for {
		select {
		case <-cl.done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(c.Writer, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case msg := <-cl.ch:
			_, _ = c.Writer.WriteString(msg)
			flusher.Flush()
		}
	}
}
