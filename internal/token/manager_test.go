package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kirogate/internal/store"
)

// memBlobs is an in-memory Blobs implementation for tests.
type memBlobs struct {
	mu    sync.Mutex
	blobs map[string]*store.TokenBlob
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string]*store.TokenBlob)}
}

func (m *memBlobs) GetToken(name string) (*store.TokenBlob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.blobs[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *blob
	return &copied, nil
}

func (m *memBlobs) SaveToken(name string, blob *store.TokenBlob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *blob
	m.blobs[name] = &copied
	return nil
}

func validBlob() *store.TokenBlob {
	return &store.TokenBlob{
		AccessToken:  "fresh-token",
		RefreshToken: "refresh-token",
		ClientID:     "cid",
		ClientSecret: "secret",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Format(store.ExpiresAtLayout),
	}
}

func expiredBlob() *store.TokenBlob {
	blob := validBlob()
	blob.AccessToken = "stale-token"
	blob.ExpiresAt = time.Now().Add(-time.Hour).UTC().Format(store.ExpiresAtLayout)
	return blob
}

func TestAccessTokenFreshTokenNoRefresh(t *testing.T) {
	blobs := newMemBlobs()
	require.NoError(t, blobs.SaveToken("alice", validBlob()))

	var refreshCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
	}))
	defer srv.Close()

	m := NewManager(blobs, srv.URL, srv.URL)
	got, err := m.AccessToken(context.Background(), "alice", false)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", got)
	assert.Equal(t, int32(0), refreshCalls.Load())
}

func TestAccessTokenRefreshesExpired(t *testing.T) {
	blobs := newMemBlobs()
	require.NoError(t, blobs.SaveToken("alice", expiredBlob()))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refresh_token", req["grantType"])
		assert.Equal(t, "cid", req["clientId"])
		assert.Equal(t, "secret", req["clientSecret"])
		assert.Equal(t, "refresh-token", req["refreshToken"])

		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "renewed-token",
			"refreshToken": "next-refresh",
			"expiresIn":    3600,
		})
	}))
	defer srv.Close()

	m := NewManager(blobs, srv.URL, srv.URL)
	got, err := m.AccessToken(context.Background(), "alice", false)
	require.NoError(t, err)
	assert.Equal(t, "renewed-token", got)

	saved, err := blobs.GetToken("alice")
	require.NoError(t, err)
	assert.Equal(t, "renewed-token", saved.AccessToken)
	assert.Equal(t, "next-refresh", saved.RefreshToken)

	expiresAt, err := time.Parse(time.RFC3339, saved.ExpiresAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)
}

func TestAccessTokenRefreshFailureStatus(t *testing.T) {
	blobs := newMemBlobs()
	require.NoError(t, blobs.SaveToken("alice", expiredBlob()))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	m := NewManager(blobs, srv.URL, srv.URL)
	_, err := m.AccessToken(context.Background(), "alice", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Token refresh failed: 400")
}

func TestAccessTokenSingleFlight(t *testing.T) {
	blobs := newMemBlobs()
	require.NoError(t, blobs.SaveToken("alice", expiredBlob()))

	var refreshCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "renewed-token",
			"expiresIn":   3600,
		})
	}))
	defer srv.Close()

	m := NewManager(blobs, srv.URL, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.AccessToken(context.Background(), "alice", false)
			assert.NoError(t, err)
			assert.Equal(t, "renewed-token", got)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), refreshCalls.Load())
}

func TestForceRefreshSingleFlight(t *testing.T) {
	blobs := newMemBlobs()
	require.NoError(t, blobs.SaveToken("alice", validBlob()))

	var refreshCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		time.Sleep(100 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "renewed-token",
			"expiresIn":   3600,
		})
	}))
	defer srv.Close()

	m := NewManager(blobs, srv.URL, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.AccessToken(context.Background(), "alice", true)
			assert.NoError(t, err)
			assert.Equal(t, "renewed-token", got)
		}()
	}
	wg.Wait()

	// Waiters reuse the refresh the first caller performed; each concurrent
	// forced read must not burn its own refresh token rotation.
	assert.Equal(t, int32(1), refreshCalls.Load())
}

func TestAccessTokenMissingRefreshToken(t *testing.T) {
	blobs := newMemBlobs()
	require.NoError(t, blobs.SaveToken("alice", &store.TokenBlob{AccessToken: "at"}))

	m := NewManager(blobs, "http://unused.invalid", "http://unused.invalid")
	_, err := m.AccessToken(context.Background(), "alice", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no refresh token")
}

func TestForceRefreshIgnoresExpiry(t *testing.T) {
	blobs := newMemBlobs()
	require.NoError(t, blobs.SaveToken("alice", validBlob()))

	var refreshCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "forced", "expiresIn": 3600})
	}))
	defer srv.Close()

	m := NewManager(blobs, srv.URL, srv.URL)
	got, err := m.ForceRefresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "forced", got)
	assert.Equal(t, int32(1), refreshCalls.Load())
}

func TestProfileArnDiscoveryAndCache(t *testing.T) {
	blobs := newMemBlobs()
	require.NoError(t, blobs.SaveToken("alice", validBlob()))

	var profileCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		profileCalls.Add(1)
		assert.Equal(t, "Bearer fresh-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"profiles": []map[string]string{
				{"arn": "arn:aws:codewhisperer:profile/1", "profileName": "default"},
				{"arn": "arn:aws:codewhisperer:profile/2", "profileName": "other"},
			},
		})
	}))
	defer srv.Close()

	m := NewManager(blobs, srv.URL, srv.URL)

	arn, err := m.ProfileArn(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:codewhisperer:profile/1", arn)

	// Second call is served from the cache.
	arn, err = m.ProfileArn(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:codewhisperer:profile/1", arn)
	assert.Equal(t, int32(1), profileCalls.Load())
}

func TestProfileArnSeeded(t *testing.T) {
	m := NewManager(newMemBlobs(), "http://unused.invalid", "http://unused.invalid")
	m.SetProfileArn("alice", "arn:seeded")

	arn, err := m.ProfileArn(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "arn:seeded", arn)
}

func TestProfileArnEmptyList(t *testing.T) {
	blobs := newMemBlobs()
	require.NoError(t, blobs.SaveToken("alice", validBlob()))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"profiles": []any{}})
	}))
	defer srv.Close()

	m := NewManager(blobs, srv.URL, srv.URL)
	_, err := m.ProfileArn(context.Background(), "alice")
	assert.Error(t, err)
}

func TestLayeredBlobs(t *testing.T) {
	primary := newMemBlobs()
	fallback := newMemBlobs()
	require.NoError(t, fallback.SaveToken("static-acct", &store.TokenBlob{AccessToken: "static-token"}))

	layered := Layered{primary, fallback}

	blob, err := layered.GetToken("static-acct")
	require.NoError(t, err)
	assert.Equal(t, "static-token", blob.AccessToken)

	// Writes go back to the layer that owns the account.
	blob.AccessToken = "updated"
	require.NoError(t, layered.SaveToken("static-acct", blob))
	saved, err := fallback.GetToken("static-acct")
	require.NoError(t, err)
	assert.Equal(t, "updated", saved.AccessToken)
	_, err = primary.GetToken("static-acct")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = layered.GetToken("ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
