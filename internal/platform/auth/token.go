package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n3health/pix/internal/platform/fault"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrTokenNotFound indicates the requested token does not exist in the store.
	ErrTokenNotFound = errors.New("access token not found")

	// ErrTokenRevoked indicates the token has been revoked and can no longer be used.
	ErrTokenRevoked = errors.New("access token revoked")

	// ErrTokenExpired indicates the token has passed its expiration time.
	ErrTokenExpired = errors.New("access token expired")

	// ErrInvalidToken indicates the provided raw token does not match any stored hash.
	ErrInvalidToken = errors.New("invalid access token")

	// ErrOrgNotAuthorized indicates the token is valid but does not cover the
	// organization named in the request.
	ErrOrgNotAuthorized = errors.New("organization not authorized for token")
)

// ---------------------------------------------------------------------------
// AccessToken
// ---------------------------------------------------------------------------

// AccessToken represents a system credential issued to a medical information
// system. The raw token (a GUID handed out at issuance) is never stored; only
// its SHA-256 hash is persisted.
type AccessToken struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	TokenHash  string     `json:"-"` // never serialize
	OrgScopes  []string   `json:"org_scopes"`
	Status     string     `json:"status"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// CoversOrg reports whether the token may act on behalf of the given
// organization. A single "*" scope grants access to every organization.
func (t *AccessToken) CoversOrg(orgID string) bool {
	for _, s := range t.OrgScopes {
		if s == "*" || s == orgID {
			return true
		}
	}
	return false
}

// Caller identifies the authenticated system for the duration of one request.
type Caller struct {
	TokenID string
	Name    string
	OrgID   string
}

// ---------------------------------------------------------------------------
// TokenStore interface
// ---------------------------------------------------------------------------

// TokenStore defines the contract for persisting and querying access tokens.
// Implementations may be backed by in-memory maps, a relational database, etc.
type TokenStore interface {
	// Create persists a new access token.
	Create(ctx context.Context, token *AccessToken) error

	// GetByID retrieves a token by its unique ID.
	GetByID(ctx context.Context, id string) (*AccessToken, error)

	// GetByHash retrieves a token by its SHA-256 hash.
	GetByHash(ctx context.Context, hash string) (*AccessToken, error)

	// List returns tokens in creation order with pagination.
	// Returns the matching tokens and the total count (before pagination).
	List(ctx context.Context, limit, offset int) ([]*AccessToken, int, error)

	// Update persists changes to an existing token.
	Update(ctx context.Context, token *AccessToken) error

	// Delete permanently removes a token from the store.
	Delete(ctx context.Context, id string) error
}

// ---------------------------------------------------------------------------
// InMemoryTokenStore
// ---------------------------------------------------------------------------

// InMemoryTokenStore provides a thread-safe in-memory implementation of
// TokenStore. It is suitable for development, testing, and single-node
// deployments.
type InMemoryTokenStore struct {
	mu      sync.RWMutex
	byID    map[string]*AccessToken
	byHash  map[string]string // hash -> ID
	ordered []string          // insertion-order IDs for stable pagination
}

// NewInMemoryTokenStore creates a new empty in-memory store.
func NewInMemoryTokenStore() *InMemoryTokenStore {
	return &InMemoryTokenStore{
		byID:   make(map[string]*AccessToken),
		byHash: make(map[string]string),
	}
}

// Create implements TokenStore.
func (s *InMemoryTokenStore) Create(_ context.Context, token *AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyToken(token)
	s.byID[cp.ID] = cp
	if cp.TokenHash != "" {
		s.byHash[cp.TokenHash] = cp.ID
	}
	s.ordered = append(s.ordered, cp.ID)
	return nil
}

// GetByID implements TokenStore.
func (s *InMemoryTokenStore) GetByID(_ context.Context, id string) (*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.byID[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return copyToken(t), nil
}

// GetByHash implements TokenStore.
func (s *InMemoryTokenStore) GetByHash(_ context.Context, hash string) (*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return copyToken(t), nil
}

// List implements TokenStore.
func (s *InMemoryTokenStore) List(_ context.Context, limit, offset int) ([]*AccessToken, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*AccessToken, 0, len(s.ordered))
	for _, id := range s.ordered {
		if t, ok := s.byID[id]; ok {
			all = append(all, t)
		}
	}

	total := len(all)

	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	result := make([]*AccessToken, len(all))
	for i, t := range all {
		result[i] = copyToken(t)
	}
	return result, total, nil
}

// Update implements TokenStore.
func (s *InMemoryTokenStore) Update(_ context.Context, token *AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[token.ID]
	if !ok {
		return ErrTokenNotFound
	}

	// If the hash changed, update the index.
	if existing.TokenHash != token.TokenHash {
		delete(s.byHash, existing.TokenHash)
		if token.TokenHash != "" {
			s.byHash[token.TokenHash] = token.ID
		}
	}

	s.byID[token.ID] = copyToken(token)
	return nil
}

// Delete implements TokenStore.
func (s *InMemoryTokenStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[id]
	if !ok {
		return ErrTokenNotFound
	}

	delete(s.byHash, existing.TokenHash)
	delete(s.byID, id)

	for i, oid := range s.ordered {
		if oid == id {
			s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
			break
		}
	}
	return nil
}

// copyToken returns a deep copy of an AccessToken to prevent mutation through
// shared pointers.
func copyToken(t *AccessToken) *AccessToken {
	cp := *t
	if t.OrgScopes != nil {
		cp.OrgScopes = make([]string, len(t.OrgScopes))
		copy(cp.OrgScopes, t.OrgScopes)
	}
	if t.ExpiresAt != nil {
		ts := *t.ExpiresAt
		cp.ExpiresAt = &ts
	}
	if t.RevokedAt != nil {
		ts := *t.RevokedAt
		cp.RevokedAt = &ts
	}
	if t.LastUsedAt != nil {
		ts := *t.LastUsedAt
		cp.LastUsedAt = &ts
	}
	return &cp
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager orchestrates access token lifecycle operations: issuance,
// authorization, revocation, and rotation.
type Manager struct {
	store TokenStore
}

// NewManager creates a new manager backed by the given store.
func NewManager(store TokenStore) *Manager {
	return &Manager{store: store}
}

// Issue creates a new access token scoped to the given organizations and
// persists it in the store. It returns the AccessToken struct and the raw
// token string (a GUID). The raw token is only available at issuance time and
// must be shown to the caller exactly once.
func (m *Manager) Issue(ctx context.Context, name string, orgScopes []string, expiresAt *time.Time) (*AccessToken, string, error) {
	rawToken := uuid.New().String()

	token := &AccessToken{
		ID:        uuid.New().String(),
		Name:      name,
		TokenHash: hashToken(rawToken),
		OrgScopes: orgScopes,
		Status:    "active",
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, token); err != nil {
		return nil, "", fmt.Errorf("storing token: %w", err)
	}

	// Return a copy so the caller cannot mutate the store's copy.
	returned, err := m.store.GetByID(ctx, token.ID)
	if err != nil {
		return nil, "", fmt.Errorf("retrieving created token: %w", err)
	}
	return returned, rawToken, nil
}

// Authorize validates the raw token carried in a request and checks that it
// covers the named organization. An empty token is rejected before any lookup
// or input validation: callers rely on that ordering. Every authorization
// failure maps to the invalid-system fault code so that callers cannot probe
// which tokens exist.
func (m *Manager) Authorize(ctx context.Context, rawToken, orgID string) (*Caller, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, fault.InvalidSystem("guid is required")
	}

	token, err := m.store.GetByHash(ctx, hashToken(rawToken))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, fault.InvalidSystem("unknown system identifier")
		}
		return nil, fault.Storage()
	}

	if token.Status == "revoked" {
		return nil, fault.InvalidSystem("system identifier revoked")
	}
	if token.ExpiresAt != nil && time.Now().After(*token.ExpiresAt) {
		return nil, fault.InvalidSystem("system identifier expired")
	}
	if orgID != "" && !token.CoversOrg(orgID) {
		return nil, fault.InvalidSystem("system identifier not authorized for organization")
	}

	now := time.Now()
	token.LastUsedAt = &now
	// Non-fatal: a failed last-used update must not reject the request.
	_ = m.store.Update(ctx, token)

	return &Caller{TokenID: token.ID, Name: token.Name, OrgID: orgID}, nil
}

// Revoke sets the token's status to "revoked" and records the revocation
// timestamp. The operation is idempotent: revoking an already-revoked token
// succeeds silently.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	token, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if token.Status == "revoked" {
		return nil // idempotent
	}

	now := time.Now()
	token.Status = "revoked"
	token.RevokedAt = &now
	return m.store.Update(ctx, token)
}

// Rotate revokes the existing token and issues a new one with the same
// configuration. Returns the new AccessToken and the raw token string.
func (m *Manager) Rotate(ctx context.Context, id string) (*AccessToken, string, error) {
	old, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}

	if err := m.Revoke(ctx, id); err != nil {
		return nil, "", fmt.Errorf("revoking old token: %w", err)
	}

	return m.Issue(ctx, old.Name, old.OrgScopes, old.ExpiresAt)
}

// Delete permanently removes a token. Unlike Revoke it leaves no audit
// record in the store; it is meant for purging revoked credentials.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// List returns access tokens with pagination.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]*AccessToken, int, error) {
	return m.store.List(ctx, limit, offset)
}

// hashToken returns the hex-encoded SHA-256 hash of the raw token string.
func hashToken(rawToken string) string {
	h := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(h[:])
}
