// Package store persists connected accounts and their credentials.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"crosspost/pkg/platform"
)

// ErrNotFound is returned when no account matches an id.
var ErrNotFound = errors.New("account not found")

// TokenStore reads and writes accounts. Callers receive copies; a refreshed
// credential is only visible to others after UpdateCredentials.
type TokenStore interface {
	Account(ctx context.Context, accountID string) (platform.Account, error)
	Save(ctx context.Context, account platform.Account) error
	UpdateCredentials(ctx context.Context, accountID string, creds platform.Credentials) error
	List(ctx context.Context) ([]platform.Account, error)
}

// Memory is an in-process TokenStore.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]platform.Account
	now      func() time.Time
}

// NewMemory creates an empty memory store seeded with accounts.
func NewMemory(accounts ...platform.Account) *Memory {
	m := &Memory{accounts: make(map[string]platform.Account, len(accounts)), now: time.Now}
	for _, account := range accounts {
		m.accounts[account.ID] = account
	}
	return m
}

// LoadMemory seeds a memory store from a JSON array of accounts.
func LoadMemory(path string) (*Memory, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var accounts []platform.Account
	if err := json.Unmarshal(content, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	for _, account := range accounts {
		if err := Validate(account); err != nil {
			return nil, fmt.Errorf("accounts file: %w", err)
		}
	}
	return NewMemory(accounts...), nil
}

func (m *Memory) Account(_ context.Context, accountID string) (platform.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return platform.Account{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	return account, nil
}

func (m *Memory) Save(_ context.Context, account platform.Account) error {
	if err := Validate(account); err != nil {
		return err
	}
	if account.ConnectedAt.IsZero() {
		account.ConnectedAt = m.now().UTC()
	}

	m.mu.Lock()
	m.accounts[account.ID] = account
	m.mu.Unlock()
	return nil
}

func (m *Memory) UpdateCredentials(_ context.Context, accountID string, creds platform.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	account.Credentials = creds
	m.accounts[accountID] = account
	return nil
}

func (m *Memory) List(_ context.Context) ([]platform.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]platform.Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Validate checks the fields every stored account needs.
func Validate(account platform.Account) error {
	if strings.TrimSpace(account.ID) == "" {
		return errors.New("account id is required")
	}
	if !account.Platform.Valid() {
		return fmt.Errorf("account %s: unknown platform %q", account.ID, account.Platform)
	}
	return nil
}
