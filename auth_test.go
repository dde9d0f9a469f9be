package custody

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yiplee/go-cache"
)

var testSecret = []byte("s3cret")

func signToken(t *testing.T, secret []byte, subject string, expiresAt time.Time) string {
	t.Helper()

	claims := jwt.StandardClaims{Subject: subject}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = expiresAt.Unix()
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	return token
}

func TestParseUser(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	user, err := parseUser(signToken(t, testSecret, "alice", exp), testSecret)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.ID)
	assert.True(t, exp.Equal(user.ExpiresAt))

	_, err = parseUser(signToken(t, []byte("other"), "alice", exp), testSecret)
	assert.Error(t, err)

	_, err = parseUser(signToken(t, testSecret, "", exp), testSecret)
	assert.Error(t, err)

	_, err = parseUser(signToken(t, testSecret, "alice", time.Now().Add(-time.Hour)), testSecret)
	assert.Error(t, err, "expired claims fail validation")

	_, err = parseUser("not-a-token", testSecret)
	assert.Error(t, err)
}

func TestHandleAuth(t *testing.T) {
	var seen *User
	h := handleAuth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFrom(r.Context())
	}))

	serve := func(token string) int {
		seen = nil
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}

		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, serve(""))
	assert.Nil(t, seen)

	token := signToken(t, testSecret, "alice", time.Time{})
	assert.Equal(t, http.StatusOK, serve(token))
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.ID)

	// served from the cache the second time
	assert.Equal(t, http.StatusOK, serve(token))
	assert.Equal(t, "alice", seen.ID)

	assert.Equal(t, http.StatusUnauthorized, serve("garbage"))
	assert.Nil(t, seen)
}

func TestUserExpired(t *testing.T) {
	now := time.Now()

	assert.False(t, (&User{ID: "alice"}).expired(now))
	assert.False(t, (&User{ID: "alice", ExpiresAt: now.Add(time.Minute)}).expired(now))
	assert.True(t, (&User{ID: "alice", ExpiresAt: now.Add(-time.Minute)}).expired(now))
}

func TestTokenStoreSweepsExpired(t *testing.T) {
	s := newTokenStore()
	past := time.Now().Add(-time.Minute)

	for i := 0; i < 63; i++ {
		s.Set(fmt.Sprintf("old-%d", i), cache.Item[*User]{Val: &User{ID: "bob"}, ExpiredAt: past})
	}
	assert.Len(t, s.items, 63)

	s.Set("fresh", cache.Item[*User]{Val: &User{ID: "alice"}, ExpiredAt: time.Now().Add(time.Hour)})
	assert.Len(t, s.items, 1)

	item, ok := s.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, "alice", item.Val.ID)
}

func TestCacheExpiry(t *testing.T) {
	now := time.Now()

	assert.Equal(t, now.Add(userCacheTTL), cacheExpiry(&User{ID: "alice"}, now))

	soon := now.Add(time.Minute)
	assert.Equal(t, soon, cacheExpiry(&User{ID: "alice", ExpiresAt: soon}, now))

	later := now.Add(24 * time.Hour)
	assert.Equal(t, now.Add(userCacheTTL), cacheExpiry(&User{ID: "alice", ExpiresAt: later}, now))
}
