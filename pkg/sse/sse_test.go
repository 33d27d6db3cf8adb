package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendToUserWithoutStreams(t *testing.T) {
	h := NewHub(time.Minute)
	assert.False(t, h.SendToUser("nobody", "alert-acknowledged", map[string]string{"alertId": "a1"}))
	assert.Equal(t, 0, h.Clients())
	// 无订阅者时不占用事件 id
	assert.Equal(t, uint64(0), atomic.LoadUint64(&h.seq))
}

func TestFormatEvent(t *testing.T) {
	assert.Equal(t, "id: 7\nevent: whisper-alert-received\ndata: {}\n\n", formatEvent(7, "whisper-alert-received", "{}"))
	assert.Equal(t, "id: 1\ndata: x\n\n", formatEvent(1, "", "x"))
}

func TestServeStreamsUserEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHub(time.Minute)
	r := gin.New()
	r.GET("/events/:user", func(c *gin.Context) { h.Serve(c, c.Param("user")) })
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/u1", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.SendToUser("u2", "alert-escalated", nil))
	require.True(t, h.SendToUser("u1", "alert-escalated", map[string]int{"level": 1}))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" || strings.HasPrefix(line, "retry:") {
			continue
		}
		lines = append(lines, line)
	}
	assert.Equal(t, "id: 1", lines[0])
	assert.Equal(t, "event: alert-escalated", lines[1])
	assert.Equal(t, `data: {"level":1}`, lines[2])

	h.Close()
	require.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, 5*time.Millisecond)
}
