package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/repository"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/crypto"
	jwtpkg "github.com/conveyorci/conveyor/pkg/jwt"
)

// ErrInvalidCredentials masks whether the email or the password was wrong.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Service handles operator authentication.
type Service struct {
	operators repository.OperatorRepository
	logger    *slog.Logger
	cfg       config.ServerConfig
}

// New constructs a Service.
func New(operators repository.OperatorRepository, logger *slog.Logger, cfg config.ServerConfig) Service {
	return Service{operators: operators, logger: logger, cfg: cfg}
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Register creates a new operator account.
func (s Service) Register(ctx context.Context, email, password string) (*domain.Operator, TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, TokenPair{}, errors.New("valid email required")
	}
	if len(password) < 8 {
		return nil, TokenPair{}, errors.New("password must be at least 8 characters")
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	operator := &domain.Operator{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.operators.CreateOperator(ctx, operator); err != nil {
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(operator.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("operator registered", "operator_id", operator.ID)
	return operator, tokens, nil
}

// Login authenticates an operator and returns tokens.
func (s Service) Login(ctx context.Context, email, password string) (*domain.Operator, TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	operator, err := s.operators.GetOperatorByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := crypto.ComparePassword(operator.PasswordHash, password); err != nil {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	tokens, err := s.issueTokens(operator.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("operator logged in", "operator_id", operator.ID)
	return operator, tokens, nil
}

// Authorize validates a bearer token and returns the operator it names.
func (s Service) Authorize(ctx context.Context, token string) (*domain.Operator, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, errors.New("token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, err
	}
	operator, err := s.operators.GetOperatorByID(ctx, claims.OperatorID)
	if err != nil {
		return nil, nil, err
	}
	return operator, claims, nil
}

func (s Service) issueTokens(operatorID string) (TokenPair, error) {
	access, err := jwtpkg.GenerateToken(operatorID, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := jwtpkg.GenerateToken(operatorID, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
