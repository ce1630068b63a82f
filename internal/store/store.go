// Package store persists gateway accounts and their token blobs. Two
// drivers implement the same contract: a JSON-file store (accounts.json plus
// one token file per account) and a sqlite store.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an account does not exist.
	ErrNotFound = errors.New("account not found")
	// ErrDuplicate is returned when a create collides on name or API key.
	ErrDuplicate = errors.New("account already exists")
)

// Account is one persisted gateway account. Name is immutable after create;
// APIKey must be unique among enabled accounts.
type Account struct {
	Name      string `json:"name"`
	APIKey    string `json:"api_key"`
	Enabled   bool   `json:"enabled"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// AccountUpdate is a partial update; nil fields are left untouched. Name and
// CreatedAt cannot be changed.
type AccountUpdate struct {
	APIKey  *string
	Enabled *bool
}

// TokenBlob is the opaque-ish per-account credential record. Unknown fields
// from hand-provisioned token files are preserved across refresh cycles via
// Extra.
type TokenBlob struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	ClientIDHash string `json:"client_id_hash,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownTokenKeys are the fields lifted out of the raw blob JSON.
var knownTokenKeys = map[string]bool{
	"access_token":   true,
	"refresh_token":  true,
	"expires_at":     true,
	"client_id":      true,
	"client_secret":  true,
	"client_id_hash": true,
}

// UnmarshalJSON decodes the known fields and keeps the rest in Extra.
func (t *TokenBlob) UnmarshalJSON(data []byte) error {
	type alias TokenBlob
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	*t = TokenBlob(known)

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for key := range all {
		if knownTokenKeys[key] {
			delete(all, key)
		}
	}
	if len(all) > 0 {
		t.Extra = all
	}
	return nil
}

// MarshalJSON re-merges Extra with the known fields.
func (t TokenBlob) MarshalJSON() ([]byte, error) {
	type alias TokenBlob
	base, err := json.Marshal(alias(t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range t.Extra {
		if _, clash := merged[key]; !clash {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// ExpiryMargin is the safety window: a token within this margin of its
// expiry is treated as expired.
const ExpiryMargin = 5 * time.Minute

// ExpiresAtLayout is the timestamp format written on refresh.
const ExpiresAtLayout = "2006-01-02T15:04:05.000Z"

// IsExpired reports whether the token is expired or inside the safety
// margin. A missing or unparseable expires_at counts as expired.
func (t *TokenBlob) IsExpired(now time.Time) bool {
	if t.ExpiresAt == "" {
		return true
	}
	expiresAt, err := time.Parse(time.RFC3339, t.ExpiresAt)
	if err != nil {
		return true
	}
	return expiresAt.Sub(now) < ExpiryMargin
}

// Store is the persistence contract shared by the file and sqlite drivers.
type Store interface {
	ListAccounts() ([]Account, error)
	GetAccount(name string) (*Account, error)
	// GetAccountByAPIKey only matches enabled accounts.
	GetAccountByAPIKey(apiKey string) (*Account, error)
	CreateAccount(account Account) (*Account, error)
	UpdateAccount(name string, update AccountUpdate) (*Account, error)
	// DeleteAccount also deletes the account's token blob.
	DeleteAccount(name string) error
	ToggleAccount(name string) (*Account, error)

	// GetToken returns nil, ErrNotFound when no blob exists.
	GetToken(name string) (*TokenBlob, error)
	SaveToken(name string, blob *TokenBlob) error
	DeleteToken(name string) error

	Close() error
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
