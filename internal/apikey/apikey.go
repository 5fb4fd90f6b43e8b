// Package apikey issues and manages client API keys.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/kiranshivaraju/csvforge/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// PrefixLen is the number of leading characters stored in clear for lookup.
const PrefixLen = 8

const keyBytes = 24

var (
	ErrInvalidClient = errors.New("client id is required")
	ErrInvalidScope  = errors.New("unknown scope")
)

// KnownScopes lists the scopes a key may carry.
var KnownScopes = []string{"jobs", models.ScopeAdmin}

// Generate returns a new random key and its bcrypt hash.
func Generate() (raw, hash string, err error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("reading random bytes: %w", err)
	}
	raw = hex.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing key: %w", err)
	}
	return raw, string(h), nil
}

// Manager creates, lists and revokes keys.
type Manager struct {
	keys store.KeyStore
}

func NewManager(keys store.KeyStore) *Manager {
	return &Manager{keys: keys}
}

// Create issues a key for clientID. The raw key is returned once and never stored.
func (m *Manager) Create(ctx context.Context, clientID, name string, scopes []string) (string, *models.APIKey, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return "", nil, ErrInvalidClient
	}
	if len(scopes) == 0 {
		scopes = []string{"jobs"}
	}
	for _, s := range scopes {
		if !slices.Contains(KnownScopes, s) {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
	}

	raw, hash, err := Generate()
	if err != nil {
		return "", nil, err
	}
	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		ClientID:  clientID,
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: raw[:PrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.keys.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("storing key: %w", err)
	}
	return raw, key, nil
}

func (m *Manager) List(ctx context.Context) ([]*models.APIKey, error) {
	return m.keys.ListAPIKeys(ctx)
}

func (m *Manager) Revoke(ctx context.Context, id uuid.UUID) error {
	return m.keys.RevokeAPIKey(ctx, id)
}
