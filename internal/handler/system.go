package handlers

import (
	"net/http"

	"SafeHerHub/pkg/logger"
	"SafeHerHub/pkg/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthCheck 健康检查接口
func (h *Handlers) HealthCheck(c *gin.Context) {
	// 检查数据库连接
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database connection failed"})
		return
	}
	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database ping failed"})
		return
	}

	body := gin.H{"status": "healthy"}
	if h.hub != nil {
		stats := h.hub.Stats()
		body["websocket"] = gin.H{"connections": stats.Connections, "users": stats.Users}
	}
	if snap, err := metrics.SampleHost(c.Request.Context()); err == nil {
		body["host"] = snap
	} else {
		logger.Debug("host sample failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, body)
}
