package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"SafeHerHub/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/mssola/user_agent"
	"go.uber.org/zap"
)

// DeviceInfo 从 User-Agent 解析出 "平台 / 系统 / 浏览器" 描述
func DeviceInfo(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return ""
	}
	ua := user_agent.New(userAgent)
	var parts []string
	if p := ua.Platform(); p != "" {
		parts = append(parts, p)
	}
	if os := ua.OS(); os != "" {
		parts = append(parts, os)
	}
	if browser, version := ua.Browser(); browser != "" {
		parts = append(parts, strings.TrimSpace(browser+" "+version))
	}
	if ua.Mobile() {
		parts = append(parts, "mobile")
	}
	return strings.Join(parts, " / ")
}

// AccessLogMiddleware 记录请求日志
func AccessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
			zap.String("device", DeviceInfo(c.Request.UserAgent())),
		}
		if uid := CurrentUserID(c); uid != "" {
			fields = append(fields, zap.String("user_id", uid))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// RecoveryMiddleware 捕获 panic，记录日志并返回 500
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.String("path", c.Request.URL.Path),
					zap.String("panic", fmt.Sprint(r)),
					zap.Stack("stack"),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": "Server error"})
			}
		}()
		c.Next()
	}
}
