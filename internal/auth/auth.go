// Package auth issues and validates bearer API keys for marketplace users.
//
// Keys are shown once at creation and stored as SHA-256 hashes. Each key
// belongs to one user and carries a role (user or admin) that feeds the
// escrow access guard.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/tradehold/internal/authz"
	"github.com/mbd888/tradehold/internal/idgen"
)

// KeyPrefix starts every raw API key.
const KeyPrefix = "th_"

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrInvalidRole   = errors.New("role must be user or admin")
)

// APIKey is a stored credential.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	UserID    string     `json:"userId"`
	Role      authz.Role `json:"role"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Actor is the identity the key grants.
func (k *APIKey) Actor() authz.Actor {
	return authz.Actor{UserID: k.UserID, Role: k.Role}
}

func (k *APIKey) usable(now time.Time) bool {
	return !k.Revoked && (k.ExpiresAt == nil || now.Before(*k.ExpiresAt))
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager handles key issuance and validation.
type Manager struct {
	store Store
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey creates a key for userID. The raw key is returned once.
func (m *Manager) GenerateKey(ctx context.Context, userID string, role authz.Role, name string, ttl time.Duration) (rawKey string, key *APIKey, err error) {
	if role == "" {
		role = authz.RoleUser
	}
	if role != authz.RoleUser && role != authz.RoleAdmin {
		return "", nil, ErrInvalidRole
	}
	rawKey = KeyPrefix + idgen.Hex(32)
	key, err = m.register(ctx, rawKey, userID, role, name, ttl)
	if err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// Bootstrap registers a pre-shared admin key (from configuration) unless it
// is already known.
func (m *Manager) Bootstrap(ctx context.Context, rawKey, userID string) (*APIKey, error) {
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	if existing, err := m.store.GetByHash(ctx, hashKey(rawKey)); err == nil {
		return existing, nil
	}
	return m.register(ctx, rawKey, userID, authz.RoleAdmin, "bootstrap", 0)
}

func (m *Manager) register(ctx context.Context, rawKey, userID string, role authz.Role, name string, ttl time.Duration) (*APIKey, error) {
	now := time.Now().UTC()
	key := &APIKey{
		ID:        idgen.WithPrefix(idgen.PrefixAPIKey),
		Hash:      hashKey(rawKey),
		UserID:    userID,
		Role:      role,
		Name:      name,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey resolves a raw key (optionally "Bearer "-prefixed).
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	now := time.Now().UTC()
	if !key.usable(now) {
		return nil, ErrInvalidAPIKey
	}

	touched := *key
	touched.LastUsed = now
	go func() { _ = m.store.Update(context.Background(), &touched) }()

	return key, nil
}

// ListKeys returns every key of userID.
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return m.store.ListByUser(ctx, userID)
}

// RevokeKey revokes keyID if it belongs to userID.
func (m *Manager) RevokeKey(ctx context.Context, keyID, userID string) error {
	keys, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory key store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	prev.LastUsed = key.LastUsed
	prev.Revoked = prev.Revoked || key.Revoked
	return nil
}
