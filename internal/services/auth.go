package services

import (
	"time"

	"github.com/FernandoVinha/TheManager/internal/config"
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/utils"
)

type AuthService struct {
	users     *UserService
	jwtConfig *config.JWTConfig
}

func NewAuthService(users *UserService, jwtCfg *config.JWTConfig) *AuthService {
	return &AuthService{users: users, jwtConfig: jwtCfg}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token    string       `json:"token"`
	User     *models.User `json:"user"`
	ExpireAt time.Time    `json:"expire_at"`
}

// Login checks local credentials and issues an access token.
func (s *AuthService) Login(req *LoginRequest) (*LoginResponse, error) {
	user, err := s.users.Authenticate(req.Username, req.Password)
	if err != nil {
		return nil, err
	}

	hours := s.expireHours()
	token, err := utils.GenerateToken(user.ID, user.Username, string(user.Role), hours)
	if err != nil {
		return nil, err
	}
	return &LoginResponse{
		Token:    token,
		User:     user,
		ExpireAt: time.Now().Add(time.Duration(hours) * time.Hour),
	}, nil
}

func (s *AuthService) GetUserByID(id uint) (*models.User, error) {
	return s.users.GetByID(id)
}

func (s *AuthService) expireHours() int {
	if s.jwtConfig == nil || s.jwtConfig.ExpireHour <= 0 {
		return 24
	}
	return s.jwtConfig.ExpireHour
}
