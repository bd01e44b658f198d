package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/repository"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/crypto"
)

type stubOperatorRepository struct {
	operators map[string]*domain.Operator
}

func newStubOperatorRepository() *stubOperatorRepository {
	return &stubOperatorRepository{operators: make(map[string]*domain.Operator)}
}

func (s *stubOperatorRepository) CreateOperator(ctx context.Context, operator *domain.Operator) error {
	for _, existing := range s.operators {
		if existing.Email == operator.Email {
			return fmt.Errorf("email %s already registered", operator.Email)
		}
	}
	copied := *operator
	s.operators[operator.ID] = &copied
	return nil
}

func (s *stubOperatorRepository) GetOperatorByEmail(ctx context.Context, email string) (*domain.Operator, error) {
	for _, operator := range s.operators {
		if operator.Email == email {
			copied := *operator
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubOperatorRepository) GetOperatorByID(ctx context.Context, id string) (*domain.Operator, error) {
	operator, ok := s.operators[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *operator
	return &copied, nil
}

func newTestService(repo *stubOperatorRepository) Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.ServerConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	}
	return New(repo, log, cfg)
}

func TestRegisterNormalizesEmailAndHashesPassword(t *testing.T) {
	repo := newStubOperatorRepository()
	svc := newTestService(repo)

	operator, tokens, err := svc.Register(context.Background(), "  Ops@Example.COM ", "hunter2boogaloo")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if operator.Email != "ops@example.com" {
		t.Fatalf("expected normalized email, got %q", operator.Email)
	}
	if operator.ID == "" {
		t.Fatal("expected generated operator id")
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}
	if tokens.ExpiresIn != time.Hour {
		t.Fatalf("expected expiry to match access TTL, got %v", tokens.ExpiresIn)
	}

	stored := repo.operators[operator.ID]
	if stored == nil {
		t.Fatal("operator not persisted")
	}
	if string(stored.PasswordHash) == "hunter2boogaloo" {
		t.Fatal("password stored in plaintext")
	}
	if err := crypto.ComparePassword(stored.PasswordHash, "hunter2boogaloo"); err != nil {
		t.Fatalf("stored hash does not verify: %v", err)
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	svc := newTestService(newStubOperatorRepository())

	if _, _, err := svc.Register(context.Background(), "not-an-email", "longenough"); err == nil {
		t.Fatal("expected error for email without @")
	}
	if _, _, err := svc.Register(context.Background(), "ops@example.com", "short"); err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestLoginMasksUnknownEmailAndWrongPassword(t *testing.T) {
	repo := newStubOperatorRepository()
	svc := newTestService(repo)

	if _, _, err := svc.Register(context.Background(), "ops@example.com", "correct-horse"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	operator, tokens, err := svc.Login(context.Background(), "OPS@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login with valid credentials: %v", err)
	}
	if operator.Email != "ops@example.com" || tokens.AccessToken == "" {
		t.Fatalf("unexpected login result: %+v", operator)
	}

	if _, _, err := svc.Login(context.Background(), "ops@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "nobody@example.com", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestAuthorizeRoundTrip(t *testing.T) {
	repo := newStubOperatorRepository()
	svc := newTestService(repo)

	registered, tokens, err := svc.Register(context.Background(), "ops@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	operator, claims, err := svc.Authorize(context.Background(), tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authorize returned error: %v", err)
	}
	if operator.ID != registered.ID {
		t.Fatalf("expected operator %s, got %s", registered.ID, operator.ID)
	}
	if claims.OperatorID != registered.ID {
		t.Fatalf("claims name the wrong operator: %s", claims.OperatorID)
	}

	if _, _, err := svc.Authorize(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, _, err := svc.Authorize(context.Background(), tokens.AccessToken+"tampered"); err == nil {
		t.Fatal("expected error for tampered token")
	}
}

func TestAuthorizeRejectsDeletedOperator(t *testing.T) {
	repo := newStubOperatorRepository()
	svc := newTestService(repo)

	registered, tokens, err := svc.Register(context.Background(), "ops@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	delete(repo.operators, registered.ID)

	if _, _, err := svc.Authorize(context.Background(), tokens.AccessToken); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted operator, got %v", err)
	}
}
