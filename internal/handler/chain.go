package handlers

import (
	"net/http"
	"strings"

	"SafeHerHub/internal/models"
	"SafeHerHub/pkg/middleware"
	"SafeHerHub/pkg/response"

	"github.com/gin-gonic/gin"
)

type chainContactRequest struct {
	ContactID string `json:"contactId" binding:"required"`
	Priority  int    `json:"priority" binding:"omitempty,min=1,max=10"`
}

type replaceChainRequest struct {
	Contacts []chainContactRequest `json:"contacts" binding:"min=1,dive"`
}

func (r *replaceChainRequest) trim() {
	for i := range r.Contacts {
		r.Contacts[i].ContactID = strings.TrimSpace(r.Contacts[i].ContactID)
	}
}

func (r *replaceChainRequest) contacts() []models.ChainContact {
	out := make([]models.ChainContact, 0, len(r.Contacts))
	for _, c := range r.Contacts {
		out = append(out, models.ChainContact{ContactID: c.ContactID, Priority: c.Priority})
	}
	return out
}

var chainMessages = fieldMessages{
	"contacts":             "At least one contact is required",
	"contacts[].contactId": "Invalid contact ID",
	"contacts[].priority":  "Priority must be between 1 and 10",
}

func (h *Handlers) handleCreateChain(c *gin.Context) {
	h.replaceChain(c, true, "Whisper chain created successfully")
}

func (h *Handlers) handleUpdateChain(c *gin.Context) {
	h.replaceChain(c, false, "Whisper chain updated successfully")
}

func (h *Handlers) replaceChain(c *gin.Context, create bool, message string) {
	var req replaceChainRequest
	if err := bindJSON(c, &req, chainMessages); err != nil {
		response.Fail(c, err)
		return
	}
	chain, err := h.alerts.ReplaceChain(c.Request.Context(), middleware.CurrentUserID(c), req.contacts(), create)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, message, gin.H{"whisperChain": chain})
}

func (h *Handlers) handleGetChain(c *gin.Context) {
	chain, err := h.alerts.GetChain(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	if chain == nil {
		c.JSON(http.StatusOK, gin.H{"chain": []models.ChainMember{}})
		return
	}
	c.JSON(http.StatusOK, chain)
}

func (h *Handlers) handleOptimizeChain(c *gin.Context) {
	chain, err := h.alerts.OptimizeChain(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, "Whisper chain optimized successfully", gin.H{"whisperChain": chain})
}
