package handlers

import (
	"net/http"
	"strings"

	"SafeHerHub/internal/service"
	"SafeHerHub/pkg/middleware"
	"SafeHerHub/pkg/response"

	"github.com/gin-gonic/gin"
)

type registerRequest struct {
	Name     string `json:"name" binding:"min=2"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"min=6"`
	Phone    string `json:"phone" binding:"omitempty,max=32"`
}

func (r *registerRequest) trim() {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.TrimSpace(r.Email)
	r.Phone = strings.TrimSpace(r.Phone)
}

var registerMessages = fieldMessages{
	"name":     "Name must be at least 2 characters",
	"email":    "Please enter a valid email",
	"password": "Password must be at least 6 characters",
	"phone":    "Invalid phone number",
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (r *loginRequest) trim() { r.Email = strings.TrimSpace(r.Email) }

var loginMessages = fieldMessages{
	"email":    "Please enter a valid email",
	"password": "Password is required",
}

func authBody(resp *service.AuthResponse) gin.H {
	return gin.H{"token": resp.Token, "user": resp.User}
}

func (h *Handlers) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := bindJSON(c, &req, registerMessages); err != nil {
		response.Fail(c, err)
		return
	}
	resp, err := h.auth.Register(c.Request.Context(), service.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Phone:    req.Phone,
	})
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Created(c, "User registered successfully", authBody(resp))
}

func (h *Handlers) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := bindJSON(c, &req, loginMessages); err != nil {
		response.Fail(c, err)
		return
	}
	resp, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, "Login successful", authBody(resp))
}

func (h *Handlers) handleMe(c *gin.Context) {
	user, err := h.auth.Me(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}
