package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/iac-studio/portal/internal/models"
	"github.com/iac-studio/portal/internal/repository"
	appErr "github.com/iac-studio/portal/pkg/errors"
	"github.com/iac-studio/portal/pkg/logger"
)

// TokenTTL is the lifetime of an issued access token.
const TokenTTL = 24 * time.Hour

type AuthService interface {
	Register(ctx context.Context, in *RegisterInput) (*models.User, error)
	Login(ctx context.Context, email, password string) (string, *models.User, error)
	SetRole(ctx context.Context, p models.Principal, email, role string) (*models.User, error)
}

type RegisterInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"required"`
}

type authService struct {
	userRepo   repository.UserRepository
	hmacSecret []byte
	now        func() time.Time
}

func NewAuthService(userRepo repository.UserRepository, secret []byte) AuthService {
	return &authService{
		userRepo:   userRepo,
		hmacSecret: secret,
		now:        time.Now,
	}
}

var _ AuthService = (*authService)(nil)

// Register creates a user. The first account on an empty installation
// becomes an admin so accounts and permissions can be managed.
func (s *authService) Register(ctx context.Context, in *RegisterInput) (*models.User, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	ph, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		Email:        normalizeEmail(in.Email),
		PasswordHash: string(ph),
		Name:         strings.TrimSpace(in.Name),
		Role:         models.RoleUser,
	}
	if err := s.userRepo.CreateBootstrap(ctx, user); err != nil {
		if appErr.IsCode(err, appErr.CodeConflict) {
			return nil, appErr.New(appErr.CodeConflict, "email already exists")
		}
		return nil, err
	}
	logger.L().Info("user registered", zap.String("user_id", user.ID.String()), zap.String("role", user.Role))
	return user, nil
}

func (s *authService) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	invalid := appErr.New(appErr.CodeUnauthorized, "invalid credentials")

	var user models.User
	if err := s.userRepo.GetByEmail(ctx, normalizeEmail(email), &user); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return "", nil, invalid
		}
		return "", nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, invalid
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   user.ID.String(),
		"email": user.Email,
		"role":  user.Role,
		"iat":   now.Unix(),
		"exp":   now.Add(TokenTTL).Unix(),
	})
	tokenString, err := token.SignedString(s.hmacSecret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return tokenString, &user, nil
}

// SetRole changes a user's role. Admin only.
func (s *authService) SetRole(ctx context.Context, p models.Principal, email, role string) (*models.User, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	if !models.IsRole(role) {
		return nil, appErr.ValidationFailed(map[string]string{"role": "must be one of: admin user viewer"})
	}
	var user models.User
	if err := s.userRepo.GetByEmail(ctx, normalizeEmail(email), &user); err != nil {
		return nil, err
	}
	user.Role = role
	if err := s.userRepo.Update(ctx, &user); err != nil {
		return nil, err
	}
	logger.L().Info("user role changed", zap.String("user", user.Email), zap.String("role", role), zap.String("by", p.Email))
	return &user, nil
}
