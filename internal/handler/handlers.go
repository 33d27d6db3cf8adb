package handlers

import (
	"time"

	"SafeHerHub/internal/service"
	"SafeHerHub/pkg/metrics"
	"SafeHerHub/pkg/middleware"
	"SafeHerHub/pkg/sse"
	"SafeHerHub/pkg/websocket"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type Options struct {
	APIPrefix      string
	Auth           *service.AuthService
	Alerts         *service.AlertService
	Tokens         *middleware.TokenIssuer
	Hub            *websocket.Hub
	Events         *sse.Hub
	Metrics        *metrics.Metrics
	IdemStore      middleware.IdemStore
	IdempotencyTTL time.Duration
}

type Handlers struct {
	db      *gorm.DB
	auth    *service.AuthService
	alerts  *service.AlertService
	tokens  *middleware.TokenIssuer
	hub     *websocket.Hub
	events  *sse.Hub
	metrics *metrics.Metrics
	opts    Options
}

func NewHandlers(db *gorm.DB, opts Options) *Handlers {
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api"
	}
	return &Handlers{
		db:      db,
		auth:    opts.Auth,
		alerts:  opts.Alerts,
		tokens:  opts.Tokens,
		hub:     opts.Hub,
		events:  opts.Events,
		metrics: opts.Metrics,
		opts:    opts,
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	r := engine.Group(h.opts.APIPrefix)

	// Register System Module Routes
	h.registerSystemRoutes(r)

	// Register Business Module Routes
	h.registerAuthRoutes(r)
	h.registerAlertRoutes(r)

	if h.hub != nil {
		websocket.RegisterRoutes(engine, websocket.NewHandler(h.hub), middleware.JWTMiddleware(h.tokens, true))
	}
	if h.metrics != nil {
		engine.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
}

func (h *Handlers) requireAuth() gin.HandlerFunc {
	return middleware.JWTMiddleware(h.tokens, false)
}

// User Module
func (h *Handlers) registerAuthRoutes(r *gin.RouterGroup) {
	auth := r.Group("auth")
	{
		auth.POST("/register", h.handleRegister)

		auth.POST("/login", h.handleLogin)

		auth.GET("/me", h.requireAuth(), h.handleMe)
	}
}

func (h *Handlers) registerAlertRoutes(r *gin.RouterGroup) {
	if h.events != nil {
		// EventSource 无法设置请求头
		r.GET("/alerts/events", middleware.JWTMiddleware(h.tokens, true), h.handleEvents)
	}

	alerts := r.Group("alerts")
	alerts.Use(h.requireAuth())
	{
		alerts.POST("", middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{
			TTL:   h.opts.IdempotencyTTL,
			Store: h.opts.IdemStore,
		}), h.handleCreateAlert)

		alerts.GET("/my-alerts", h.handleListMyAlerts)

		alerts.GET("/stats/overview", h.handleStatsOverview)

		alerts.GET("/check-escalation", h.handleCheckEscalation)

		// whisper chain
		alerts.POST("/whisper-chain", h.handleCreateChain)

		alerts.GET("/whisper-chain", h.handleGetChain)

		alerts.PUT("/whisper-chain", h.handleUpdateChain)

		alerts.POST("/whisper-chain/optimize", h.handleOptimizeChain)

		alerts.GET("/:id", h.handleGetAlert)

		alerts.POST("/:id/acknowledge", h.handleAcknowledge)

		alerts.POST("/:id/escalate", h.handleEscalate)

		alerts.PUT("/:id/status", h.handleUpdateStatus)
	}
}

func (h *Handlers) registerSystemRoutes(r *gin.RouterGroup) {
	system := r.Group("system")
	{
		system.GET("/health", h.HealthCheck)
	}
}
