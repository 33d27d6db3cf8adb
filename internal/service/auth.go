package service

import (
	"context"
	"errors"
	"time"

	"SafeHerHub/internal/models"
	apperrors "SafeHerHub/pkg/errors"
	"SafeHerHub/pkg/logger"
	"SafeHerHub/pkg/middleware"
	"SafeHerHub/pkg/notification"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AuthService struct {
	db     *gorm.DB
	tokens *middleware.TokenIssuer
	now    func() time.Time
}

func NewAuthService(db *gorm.DB, tokens *middleware.TokenIssuer) *AuthService {
	return &AuthService{db: db, tokens: tokens, now: time.Now}
}

// PublicUser 对外暴露的用户字段
type PublicUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type AuthResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	User      PublicUser `json:"user"`
}

type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Phone    string
}

func publicUser(u *models.User) PublicUser {
	return PublicUser{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
}

func (s *AuthService) issue(u *models.User) (*AuthResponse, error) {
	token, expiresAt, err := s.tokens.Generate(u.ID, u.Role)
	if err != nil {
		return nil, apperrors.Internal(err, "token generation failed")
	}
	return &AuthResponse{Token: token, ExpiresAt: expiresAt, User: publicUser(u)}, nil
}

// Register 注册新用户并签发 token
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*AuthResponse, error) {
	user, err := models.CreateUser(ctx, s.db, in.Name, in.Email, in.Password, models.RoleUser, in.Phone)
	if errors.Is(err, models.ErrEmailTaken) {
		return nil, apperrors.Validation("User already exists with this email")
	}
	if err != nil {
		return nil, apperrors.Internal(err, "register failed")
	}
	return s.issue(user)
}

// Login 校验邮箱密码
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	user, err := models.GetUserByEmail(ctx, s.db, email)
	if errors.Is(err, models.ErrUserNotFound) {
		return nil, apperrors.Validation("Invalid credentials")
	}
	if err != nil {
		return nil, apperrors.Internal(err, "login failed")
	}
	if !user.CheckPassword(password) {
		return nil, apperrors.Validation("Invalid credentials")
	}
	if err := models.TouchLastLogin(ctx, s.db, user.ID, s.now()); err != nil {
		// 不影响登录
		logger.Warn("update last login failed", zap.String("user", user.ID), zap.Error(err))
	}
	return s.issue(user)
}

// Me 返回当前 token 对应的用户
func (s *AuthService) Me(ctx context.Context, userID string) (PublicUser, error) {
	user, err := models.GetUserByID(ctx, s.db, userID)
	if errors.Is(err, models.ErrUserNotFound) {
		return PublicUser{}, apperrors.Unauthorized("Token is not valid")
	}
	if err != nil {
		return PublicUser{}, apperrors.Internal(err, "load user failed")
	}
	return publicUser(user), nil
}

// PhoneResolver 供短信通知查询号码
func PhoneResolver(db *gorm.DB) notification.PhoneResolver {
	return func(ctx context.Context, userID string) string {
		user, err := models.GetUserByID(ctx, db, userID)
		if err != nil {
			return ""
		}
		return user.Phone
	}
}
