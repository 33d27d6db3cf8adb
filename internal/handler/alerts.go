package handlers

import (
	"net/http"
	"strings"

	"SafeHerHub/internal/models"
	"SafeHerHub/internal/service"
	"SafeHerHub/pkg/middleware"
	"SafeHerHub/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

type createAlertRequest struct {
	Type              string          `json:"type" binding:"required,oneof=whisper emergency check_in pulse guardian"`
	Title             string          `json:"title" binding:"min=5,max=100"`
	Message           string          `json:"message" binding:"min=10,max=500"`
	Coordinates       []float64       `json:"coordinates" binding:"len=2"`
	Address           string          `json:"address" binding:"max=255"`
	Accuracy          float64         `json:"accuracy" binding:"gte=0"`
	Severity          string          `json:"severity" binding:"omitempty,oneof=low medium high critical"`
	IsSilent          bool            `json:"isSilent"`
	AutoEscalateAfter int             `json:"autoEscalateAfter" binding:"omitempty,min=5,max=120"`
	Metadata          models.Metadata `json:"metadata"`
}

func (r *createAlertRequest) trim() {
	r.Title = strings.TrimSpace(r.Title)
	r.Message = strings.TrimSpace(r.Message)
	r.Address = strings.TrimSpace(r.Address)
}

var createAlertMessages = fieldMessages{
	"type":              "Invalid alert type",
	"title":             "Title must be between 5 and 100 characters",
	"message":           "Message must be between 10 and 500 characters",
	"coordinates":       "Coordinates must be an array of 2 numbers",
	"address":           "Address must be at most 255 characters",
	"accuracy":          "Accuracy must be a positive number",
	"severity":          "Invalid severity level",
	"isSilent":          "Is silent must be boolean",
	"autoEscalateAfter": "Auto escalate after must be between 5 and 120 minutes",
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active acknowledged escalated resolved expired"`
}

func (r *updateStatusRequest) trim() { r.Status = strings.TrimSpace(r.Status) }

var updateStatusMessages = fieldMessages{"status": "Invalid status"}

func (h *Handlers) handleCreateAlert(c *gin.Context) {
	var req createAlertRequest
	if err := bindJSON(c, &req, createAlertMessages); err != nil {
		response.Fail(c, err)
		return
	}
	if req.Metadata.DeviceInfo == "" {
		req.Metadata.DeviceInfo = middleware.DeviceInfo(c.GetHeader("User-Agent"))
	}

	alert, err := h.alerts.CreateAlert(c.Request.Context(), middleware.CurrentUserID(c), service.CreateAlertInput{
		Type:              req.Type,
		Title:             req.Title,
		Message:           req.Message,
		Coordinates:       req.Coordinates,
		Address:           req.Address,
		Accuracy:          req.Accuracy,
		Severity:          req.Severity,
		IsSilent:          req.IsSilent,
		AutoEscalateAfter: req.AutoEscalateAfter,
		Metadata:          req.Metadata,
	})
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Created(c, "Alert created successfully", gin.H{"alert": alert})
}

func (h *Handlers) handleListMyAlerts(c *gin.Context) {
	list, err := h.alerts.ListMyAlerts(c.Request.Context(), middleware.CurrentUserID(c), service.ListAlertsInput{
		Type:   c.Query("type"),
		Status: c.Query("status"),
		Page:   cast.ToInt(c.DefaultQuery("page", "1")),
		Limit:  cast.ToInt(c.DefaultQuery("limit", "10")),
	})
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handlers) handleGetAlert(c *gin.Context) {
	alert, err := h.alerts.GetAlert(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handlers) handleAcknowledge(c *gin.Context) {
	rt, err := h.alerts.Acknowledge(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, "Alert acknowledged successfully", gin.H{"responseTime": rt})
}

func (h *Handlers) handleEscalate(c *gin.Context) {
	step, err := h.alerts.Escalate(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	if step == nil {
		response.Success(c, "No more contacts to escalate to", gin.H{"status": "fully_escalated"})
		return
	}
	response.Success(c, "Alert escalated successfully", gin.H{"nextContact": step.Contact, "level": step.Level})
}

func (h *Handlers) handleUpdateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := bindJSON(c, &req, updateStatusMessages); err != nil {
		response.Fail(c, err)
		return
	}
	status, err := h.alerts.UpdateStatus(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"), req.Status)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, "Alert status updated successfully", gin.H{"status": status})
}

func (h *Handlers) handleCheckEscalation(c *gin.Context) {
	n, err := h.alerts.CheckEscalation(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, "Escalation check completed", gin.H{"escalatedCount": n})
}

func (h *Handlers) handleStatsOverview(c *gin.Context) {
	stats, err := h.alerts.Stats(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleEvents 以 SSE 推送当前用户的警报事件
func (h *Handlers) handleEvents(c *gin.Context) {
	h.events.Serve(c, middleware.CurrentUserID(c))
}
