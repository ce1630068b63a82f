// Package token manages CodeWhisperer access tokens: expiry-aware reads,
// single-flight OIDC refresh, and profile ARN discovery.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"kirogate/internal/store"
)

// Blobs is the slice of the account store the manager needs: per-account
// token blob reads and writes.
type Blobs interface {
	GetToken(name string) (*store.TokenBlob, error)
	SaveToken(name string, blob *store.TokenBlob) error
}

// refreshRequest is the OIDC refresh_token grant body.
type refreshRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
	RefreshToken string `json:"refreshToken"`
}

// refreshResponse is the subset of the OIDC response the gateway uses.
type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// profilesResponse is the ListAvailableProfiles response shape.
type profilesResponse struct {
	Profiles []struct {
		Arn  string `json:"arn"`
		Name string `json:"profileName"`
	} `json:"profiles"`
}

// Manager serves access tokens for named accounts. Refreshes for the same
// account are serialized through a per-account mutex so concurrent expired
// reads trigger exactly one upstream refresh.
type Manager struct {
	blobs       Blobs
	refreshURL  string
	profilesURL string
	client      *http.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	arnMu sync.Mutex
	// arns caches discovered profile ARNs for the process lifetime.
	arns map[string]string

	now func() time.Time
}

// NewManager builds a manager over the given blob store and endpoint URLs.
func NewManager(blobs Blobs, refreshURL, profilesURL string) *Manager {
	return &Manager{
		blobs:       blobs,
		refreshURL:  refreshURL,
		profilesURL: profilesURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		locks:       make(map[string]*sync.Mutex),
		arns:        make(map[string]string),
		now:         time.Now,
	}
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[name] = lock
	}
	return lock
}

// AccessToken returns a usable access token for the account, refreshing it
// when expired (or unconditionally when force is set). The expiry state is
// re-read under the account lock so a refresh completed by another caller is
// reused instead of repeated.
func (m *Manager) AccessToken(ctx context.Context, name string, force bool) (string, error) {
	blob, err := m.blobs.GetToken(name)
	if err != nil {
		return "", fmt.Errorf("load token for %s: %w", name, err)
	}
	if !force && !blob.IsExpired(m.now()) {
		return blob.AccessToken, nil
	}
	snapshot := *blob

	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while this one waited. A forced
	// caller also reuses that result: the blob changing since the pre-lock
	// snapshot means the refresh it wanted already happened.
	blob, err = m.blobs.GetToken(name)
	if err != nil {
		return "", fmt.Errorf("load token for %s: %w", name, err)
	}
	refreshedMeanwhile := blob.AccessToken != snapshot.AccessToken || blob.ExpiresAt != snapshot.ExpiresAt
	if (!force || refreshedMeanwhile) && !blob.IsExpired(m.now()) {
		return blob.AccessToken, nil
	}

	refreshed, err := m.refresh(ctx, name, blob)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refresh performs the OIDC refresh_token grant and persists the updated
// blob. Unknown fields in the stored blob are preserved.
func (m *Manager) refresh(ctx context.Context, name string, blob *store.TokenBlob) (*store.TokenBlob, error) {
	if blob.RefreshToken == "" {
		return nil, fmt.Errorf("account %s has no refresh token", name)
	}

	body, err := json.Marshal(refreshRequest{
		ClientID:     blob.ClientID,
		ClientSecret: blob.ClientSecret,
		GrantType:    "refresh_token",
		RefreshToken: blob.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.refreshURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh token for %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("Token refresh failed: %d", resp.StatusCode)
	}

	var parsed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse refresh response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("refresh response for %s has no access token", name)
	}

	blob.AccessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		blob.RefreshToken = parsed.RefreshToken
	}
	if parsed.ExpiresIn > 0 {
		expiresAt := m.now().UTC().Add(time.Duration(parsed.ExpiresIn) * time.Second)
		blob.ExpiresAt = expiresAt.Format(store.ExpiresAtLayout)
	}

	if err := m.blobs.SaveToken(name, blob); err != nil {
		return nil, fmt.Errorf("persist refreshed token for %s: %w", name, err)
	}
	log.Printf("[Token] refreshed token for account %s", name)
	return blob, nil
}

// ForceRefresh refreshes the account's token regardless of expiry.
func (m *Manager) ForceRefresh(ctx context.Context, name string) (string, error) {
	return m.AccessToken(ctx, name, true)
}

// SetProfileArn seeds the ARN cache, used for accounts whose profile ARN is
// declared in configuration.
func (m *Manager) SetProfileArn(name, arn string) {
	if arn == "" {
		return
	}
	m.arnMu.Lock()
	m.arns[name] = arn
	m.arnMu.Unlock()
}

// ProfileArn returns the account's CodeWhisperer profile ARN, discovering it
// via ListAvailableProfiles on first use. Discovered ARNs are cached for the
// process lifetime.
func (m *Manager) ProfileArn(ctx context.Context, name string) (string, error) {
	m.arnMu.Lock()
	if arn, ok := m.arns[name]; ok {
		m.arnMu.Unlock()
		return arn, nil
	}
	m.arnMu.Unlock()

	accessToken, err := m.AccessToken(ctx, name, false)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.profilesURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("build profiles request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("list profiles for %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("list profiles for %s: status %d", name, resp.StatusCode)
	}

	var parsed profilesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parse profiles response: %w", err)
	}
	if len(parsed.Profiles) == 0 || parsed.Profiles[0].Arn == "" {
		return "", fmt.Errorf("no profiles available for %s", name)
	}

	arn := parsed.Profiles[0].Arn
	m.arnMu.Lock()
	m.arns[name] = arn
	m.arnMu.Unlock()
	log.Printf("[Token] discovered profile ARN for account %s", name)
	return arn, nil
}

// TokenInfo reports the stored blob's expiry state without refreshing.
func (m *Manager) TokenInfo(name string) (expiresAt string, expired bool, err error) {
	blob, err := m.blobs.GetToken(name)
	if err != nil {
		return "", false, err
	}
	return blob.ExpiresAt, blob.IsExpired(m.now()), nil
}
