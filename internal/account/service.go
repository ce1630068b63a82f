// Package account implements the management operations behind the admin
// surface: account CRUD, API key generation, token upload, refresh and an
// end-to-end credential test.
package account

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"kirogate/internal/store"
	"kirogate/internal/token"
)

// GenerateAPIKey returns a fresh gateway API key for the named account.
func GenerateAPIKey(name string) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return fmt.Sprintf("sk-kiro-%s-%s", name, hex.EncodeToString(random)), nil
}

// Tester runs an end-to-end request against the upstream for one account and
// returns the model's reply.
type Tester interface {
	TestAccount(ctx context.Context, name string) (string, error)
}

// Info is the list/detail view of an account with its token state attached.
type Info struct {
	store.Account
	HasToken  bool       `json:"has_token"`
	ExpiresAt *string    `json:"expires_at"`
	IsExpired bool       `json:"is_expired"`
	Token     *TokenView `json:"token,omitempty"`
}

// TokenView is the masked token detail; secrets are truncated to a prefix.
type TokenView struct {
	AccessToken          *string `json:"access_token"`
	RefreshToken         *string `json:"refresh_token"`
	ExpiresAt            string  `json:"expires_at,omitempty"`
	ClientIDHash         string  `json:"client_id_hash,omitempty"`
	HasClientCredentials bool    `json:"has_client_credentials"`
}

// Service is the account management facade used by the admin handlers.
type Service struct {
	store  store.Store
	tokens *token.Manager
	tester Tester
	now    func() time.Time
}

// NewService wires the service. tester may be nil when the upstream test
// operation is unavailable.
func NewService(st store.Store, tokens *token.Manager, tester Tester) *Service {
	return &Service{store: st, tokens: tokens, tester: tester, now: time.Now}
}

func (s *Service) tokenState(name string) (bool, *string, bool) {
	blob, err := s.store.GetToken(name)
	if err != nil {
		return false, nil, true
	}
	expiresAt := blob.ExpiresAt
	var expiresPtr *string
	if expiresAt != "" {
		expiresPtr = &expiresAt
	}
	return true, expiresPtr, blob.IsExpired(s.now())
}

// List returns all accounts with token status.
func (s *Service) List() ([]Info, error) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(accounts))
	for _, account := range accounts {
		hasToken, expiresAt, expired := s.tokenState(account.Name)
		infos = append(infos, Info{
			Account:   account,
			HasToken:  hasToken,
			ExpiresAt: expiresAt,
			IsExpired: expired,
		})
	}
	return infos, nil
}

// maskSecret truncates a secret to a 50 character prefix.
func maskSecret(secret string) *string {
	if secret == "" {
		return nil
	}
	if len(secret) > 50 {
		secret = secret[:50]
	}
	masked := secret + "..."
	return &masked
}

// Get returns one account with masked token detail.
func (s *Service) Get(name string) (*Info, error) {
	account, err := s.store.GetAccount(name)
	if err != nil {
		return nil, err
	}
	info := &Info{Account: *account, IsExpired: true}

	blob, err := s.store.GetToken(name)
	if err != nil {
		return info, nil
	}
	info.HasToken = true
	if blob.ExpiresAt != "" {
		expiresAt := blob.ExpiresAt
		info.ExpiresAt = &expiresAt
	}
	info.IsExpired = blob.IsExpired(s.now())
	info.Token = &TokenView{
		AccessToken:          maskSecret(blob.AccessToken),
		RefreshToken:         maskSecret(blob.RefreshToken),
		ExpiresAt:            blob.ExpiresAt,
		ClientIDHash:         blob.ClientIDHash,
		HasClientCredentials: blob.ClientID != "" && blob.ClientSecret != "",
	}
	return info, nil
}

// Create adds an account. An empty apiKey generates one.
func (s *Service) Create(name, apiKey string) (*store.Account, error) {
	if apiKey == "" {
		generated, err := GenerateAPIKey(name)
		if err != nil {
			return nil, err
		}
		apiKey = generated
	}
	return s.store.CreateAccount(store.Account{
		Name:    name,
		APIKey:  apiKey,
		Enabled: true,
	})
}

// Update applies a partial update.
func (s *Service) Update(name string, update store.AccountUpdate) (*store.Account, error) {
	return s.store.UpdateAccount(name, update)
}

// Delete removes the account and its token.
func (s *Service) Delete(name string) error {
	return s.store.DeleteAccount(name)
}

// Toggle flips the enabled flag.
func (s *Service) Toggle(name string) (*store.Account, error) {
	return s.store.ToggleAccount(name)
}

// SaveToken replaces the account's token blob.
func (s *Service) SaveToken(name string, blob *store.TokenBlob) error {
	if _, err := s.store.GetAccount(name); err != nil {
		return err
	}
	return s.store.SaveToken(name, blob)
}

// RefreshToken forces a refresh and returns the new expiry.
func (s *Service) RefreshToken(ctx context.Context, name string) (string, error) {
	if _, err := s.store.GetAccount(name); err != nil {
		return "", err
	}
	if _, err := s.tokens.ForceRefresh(ctx, name); err != nil {
		return "", err
	}
	blob, err := s.store.GetToken(name)
	if err != nil {
		return "", err
	}
	return blob.ExpiresAt, nil
}

// Test runs the upstream round trip for the account and returns the reply.
func (s *Service) Test(ctx context.Context, name string) (string, error) {
	if _, err := s.store.GetAccount(name); err != nil {
		return "", err
	}
	if s.tester == nil {
		return "", fmt.Errorf("account testing is not configured")
	}
	return s.tester.TestAccount(ctx, name)
}

// AccountNames implements the background refresher's account enumeration.
func (s *Service) AccountNames() ([]string, error) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(accounts))
	for _, account := range accounts {
		if account.Enabled {
			names = append(names, account.Name)
		}
	}
	return names, nil
}
