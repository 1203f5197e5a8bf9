package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bourse/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// UserStore persists users. Implemented by internal/db for durable
// deployments and by MemoryStore for db-less runs and tests.
type UserStore interface {
	CreateUser(ctx context.Context, name, passwordHash string, role models.Role) (models.User, error)
	GetUserByName(ctx context.Context, name string) (models.User, error)
}

// Service handles registration, login and token verification.
type Service struct {
	store  UserStore
	secret []byte
}

// NewService creates an auth service signing tokens with secret.
func NewService(store UserStore, secret string) *Service {
	return &Service{store: store, secret: []byte(secret)}
}

// Register creates a new user with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, name, password string) (models.User, error) {
	if name == "" {
		return models.User{}, fmt.Errorf("name cannot be empty")
	}
	if password == "" {
		return models.User{}, fmt.Errorf("password cannot be empty")
	}
	if len(name) > 50 {
		return models.User{}, fmt.Errorf("name too long (max 50 characters)")
	}
	if len(password) > 72 {
		return models.User{}, fmt.Errorf("password too long (max 72 characters)")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	user, err := s.store.CreateUser(ctx, name, string(hashed), models.RoleUser)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and returns a signed JWT carrying the
// user id and role, valid for 24 hours.
func (s *Service) Login(ctx context.Context, name, password string) (string, error) {
	user, err := s.store.GetUserByName(ctx, name)
	if err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", err
	}
	return s.Token(user)
}

// Token signs a JWT for an already-authenticated user.
func (s *Service) Token(user models.User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user.ID,
		"name":    user.Name,
		"role":    string(user.Role),
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
	})
	return token.SignedString(s.secret)
}

// Verify parses a token and returns the user id and role it carries.
func (s *Service) Verify(tokenString string) (int64, models.Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return 0, "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, "", fmt.Errorf("invalid token")
	}
	userID, ok := claims["user_id"].(float64)
	if !ok {
		return 0, "", fmt.Errorf("token missing user_id claim")
	}
	role, _ := claims["role"].(string)
	return int64(userID), models.Role(role), nil
}

// MemoryStore is an in-memory UserStore for db-less runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]models.User
	lastID int64
}

// NewMemoryStore creates an empty in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]models.User)}
}

// CreateUser adds a user; the name must be unused.
func (s *MemoryStore) CreateUser(ctx context.Context, name, passwordHash string, role models.Role) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[name]; exists {
		return models.User{}, fmt.Errorf("user %q already exists", name)
	}
	s.lastID++
	user := models.User{
		ID:           s.lastID,
		Name:         name,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[name] = user
	return user, nil
}

// GetUserByName looks a user up by name.
func (s *MemoryStore) GetUserByName(ctx context.Context, name string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[name]
	if !ok {
		return models.User{}, fmt.Errorf("user %q: %w", name, models.ErrNotFound)
	}
	return user, nil
}

// Users returns all users sorted by id. Used by seeding and tests.
func (s *MemoryStore) Users() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
