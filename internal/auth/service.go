package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/trunov/mp3hub/internal/entities"
	"github.com/trunov/mp3hub/internal/repository/storage"
)

type UserRepository interface {
	GetUserByEmail(ctx context.Context, email string) (entities.User, error)
}

// Service checks credentials against the user table and hands out tokens.
type Service struct {
	users  UserRepository
	issuer *Issuer
	logger *zap.Logger
}

func NewService(users UserRepository, issuer *Issuer, logger *zap.Logger) *Service {
	return &Service{users: users, issuer: issuer, logger: logger}
}

func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	if email == "" || password == "" {
		return "", ErrInvalidCredentials
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.Info("login rejected", zap.String("username", email))
		return "", ErrInvalidCredentials
	}

	token, err := s.issuer.Issue(user.Email, user.Admin)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

func (s *Service) Validate(_ context.Context, token string) (entities.Claims, error) {
	return s.issuer.Verify(token)
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
