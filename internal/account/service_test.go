package account

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kirogate/internal/store"
)

type fakeTester struct {
	reply string
	err   error
	calls int
}

func (f *fakeTester) TestAccount(ctx context.Context, name string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func newTestService(t *testing.T, tester Tester) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, nil, tester), st
}

func TestGenerateAPIKeyFormat(t *testing.T) {
	key, err := GenerateAPIKey("alice")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^sk-kiro-alice-[0-9a-f]{32}$`), key)

	other, err := GenerateAPIKey("alice")
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestCreateGeneratesKeyWhenEmpty(t *testing.T) {
	svc, _ := newTestService(t, nil)

	created, err := svc.Create("alice", "")
	require.NoError(t, err)
	assert.True(t, created.Enabled)
	assert.Regexp(t, `^sk-kiro-alice-`, created.APIKey)

	explicit, err := svc.Create("bob", "sk-kiro-bob-custom")
	require.NoError(t, err)
	assert.Equal(t, "sk-kiro-bob-custom", explicit.APIKey)
}

func TestListDecoratesTokenState(t *testing.T) {
	svc, st := newTestService(t, nil)

	_, err := svc.Create("fresh", "")
	require.NoError(t, err)
	_, err = svc.Create("stale", "")
	require.NoError(t, err)
	_, err = svc.Create("bare", "")
	require.NoError(t, err)

	require.NoError(t, st.SaveToken("fresh", &store.TokenBlob{
		AccessToken: "at",
		ExpiresAt:   time.Now().Add(time.Hour).UTC().Format(store.ExpiresAtLayout),
	}))
	require.NoError(t, st.SaveToken("stale", &store.TokenBlob{
		AccessToken: "at",
		ExpiresAt:   time.Now().Add(-time.Hour).UTC().Format(store.ExpiresAtLayout),
	}))

	infos, err := svc.List()
	require.NoError(t, err)
	byName := make(map[string]Info, len(infos))
	for _, info := range infos {
		byName[info.Name] = info
	}

	assert.True(t, byName["fresh"].HasToken)
	assert.False(t, byName["fresh"].IsExpired)
	assert.True(t, byName["stale"].HasToken)
	assert.True(t, byName["stale"].IsExpired)
	assert.False(t, byName["bare"].HasToken)
	assert.True(t, byName["bare"].IsExpired)
}

func TestGetMasksLongSecrets(t *testing.T) {
	svc, st := newTestService(t, nil)
	_, err := svc.Create("alice", "")
	require.NoError(t, err)

	long := strings.Repeat("0123456789", 8)
	require.NoError(t, st.SaveToken("alice", &store.TokenBlob{
		AccessToken:  long,
		ClientID:     "cid",
		ClientSecret: "cs",
	}))

	info, err := svc.Get("alice")
	require.NoError(t, err)
	require.NotNil(t, info.Token)
	require.NotNil(t, info.Token.AccessToken)
	assert.Equal(t, long[:50]+"...", *info.Token.AccessToken)
	assert.Nil(t, info.Token.RefreshToken)
	assert.True(t, info.Token.HasClientCredentials)
}

func TestGetWithoutToken(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Create("alice", "")
	require.NoError(t, err)

	info, err := svc.Get("alice")
	require.NoError(t, err)
	assert.False(t, info.HasToken)
	assert.True(t, info.IsExpired)
	assert.Nil(t, info.Token)
}

func TestToggle(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Create("alice", "")
	require.NoError(t, err)

	toggled, err := svc.Toggle("alice")
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)

	toggled, err = svc.Toggle("alice")
	require.NoError(t, err)
	assert.True(t, toggled.Enabled)
}

func TestTestRequiresConfiguredTester(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Create("alice", "")
	require.NoError(t, err)

	_, err = svc.Test(context.Background(), "alice")
	assert.Error(t, err)
}

func TestTestReturnsReply(t *testing.T) {
	tester := &fakeTester{reply: "OK"}
	svc, _ := newTestService(t, tester)
	_, err := svc.Create("alice", "")
	require.NoError(t, err)

	reply, err := svc.Test(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
	assert.Equal(t, 1, tester.calls)

	_, err = svc.Test(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, tester.calls)
}

func TestTestPropagatesFailure(t *testing.T) {
	tester := &fakeTester{err: fmt.Errorf("upstream status 403")}
	svc, _ := newTestService(t, tester)
	_, err := svc.Create("alice", "")
	require.NoError(t, err)

	_, err = svc.Test(context.Background(), "alice")
	assert.ErrorContains(t, err, "403")
}

func TestAccountNamesEnabledOnly(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Create("alice", "")
	require.NoError(t, err)
	_, err = svc.Create("bob", "")
	require.NoError(t, err)
	_, err = svc.Toggle("bob")
	require.NoError(t, err)

	names, err := svc.AccountNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, names)
}
