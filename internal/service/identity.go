package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var identityTracer = otel.Tracer("service/identity")

const (
	maxFailedAttempts = 5
	lockDuration      = 15 * time.Minute
	tokenIssuer       = "fintech-ledger"
)

// IdentityService turns bearer tokens into actors. With dev auth enabled
// it also checks seeded users' passwords and issues tokens for them.
type IdentityService struct {
	jwtSecret []byte
	accessTTL time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	users  map[string]*devUser // by lower-case email
	failed map[string]*loginFailures
}

type devUser struct {
	user domain.User
}

type loginFailures struct {
	count       int
	lockedUntil time.Time
}

// NewIdentityService creates an identity service signing HS256 tokens.
func NewIdentityService(jwtSecret string, accessTTL time.Duration, logger *zap.Logger) *IdentityService {
	return &IdentityService{
		jwtSecret: []byte(jwtSecret),
		accessTTL: accessTTL,
		logger:    logger,
		now:       time.Now,
		users:     make(map[string]*devUser),
		failed:    make(map[string]*loginFailures),
	}
}

// RegisterUser adds a login identity, hashing password with bcrypt.
func (s *IdentityService) RegisterUser(u domain.User, password string, cost int) error {
	if u.ID == "" || u.Email == "" {
		return &domain.ErrValidation{Field: "user", Constraint: domain.ConstraintRequired, Message: "id and email are required"}
	}
	if u.Role != domain.RoleAdmin && u.Role != domain.RoleCustomer {
		return &domain.ErrValidation{Field: "role", Constraint: domain.ConstraintKnownValue, Message: fmt.Sprintf("unknown role %q", u.Role)}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = string(hash)

	key := strings.ToLower(u.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[key]; ok {
		return &domain.ErrConflict{Message: fmt.Sprintf("user %s already registered", key)}
	}
	s.users[key] = &devUser{user: u}
	return nil
}

// ============================================================
// Login: POST /v1/auth/login
// ============================================================

// Login checks a seeded user's password and issues an access token.
// Repeated failures lock the email out for a while.
func (s *IdentityService) Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error) {
	_, span := identityTracer.Start(ctx, "IdentityService.Login")
	defer span.End()

	email := strings.ToLower(strings.TrimSpace(req.Email))
	span.SetAttributes(attribute.String("user.email", email))

	if err := s.checkLocked(email); err != nil {
		return nil, err
	}

	s.mu.RLock()
	du, ok := s.users[email]
	s.mu.RUnlock()

	if !ok || bcrypt.CompareHashAndPassword([]byte(du.user.PasswordHash), []byte(req.Password)) != nil {
		s.recordFailure(email)
		s.logger.Warn("login failed", zap.String("email", email))
		return nil, &domain.ErrUnauthorized{Message: "invalid email or password"}
	}
	s.clearFailures(email)

	actor := domain.Actor{ID: du.user.ID, Role: du.user.Role}
	token, err := s.IssueAccessToken(actor)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	s.logger.Info("user logged in", zap.String("actor_id", actor.ID), zap.String("role", string(actor.Role)))
	return &domain.LoginResponse{
		AccessToken: token,
		ExpiresIn:   int(s.accessTTL.Seconds()),
		ActorID:     actor.ID,
		Role:        actor.Role,
		Name:        du.user.Name,
	}, nil
}

func (s *IdentityService) checkLocked(email string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.failed[email]
	if ok && s.now().Before(f.lockedUntil) {
		return &domain.ErrUnauthorized{Message: "too many failed attempts, try again later"}
	}
	return nil
}

func (s *IdentityService) recordFailure(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.failed[email]
	if !ok {
		f = &loginFailures{}
		s.failed[email] = f
	}
	f.count++
	if f.count >= maxFailedAttempts {
		f.lockedUntil = s.now().Add(lockDuration)
		f.count = 0
	}
}

func (s *IdentityService) clearFailures(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, email)
}

// ============================================================
// Tokens
// ============================================================

// JWTClaims represents the custom claims in access tokens.
type JWTClaims struct {
	Sub  string      `json:"sub"`
	Role domain.Role `json:"role"`
	Type string      `json:"type"`
	jwt.RegisteredClaims
}

// IssueAccessToken signs an access token for actor.
func (s *IdentityService) IssueAccessToken(actor domain.Actor) (string, error) {
	now := s.now()
	claims := JWTClaims{
		Sub:  actor.ID,
		Role: actor.Role,
		Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			Issuer:    tokenIssuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// Authenticate validates an access token and returns the actor it names.
func (s *IdentityService) Authenticate(tokenString string) (*domain.Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	if claims.Type != "access" {
		return nil, &domain.ErrUnauthorized{Message: "invalid token type"}
	}
	if claims.Sub == "" {
		return nil, &domain.ErrUnauthorized{Message: "token has no subject"}
	}

	return &domain.Actor{ID: claims.Sub, Role: claims.Role}, nil
}
