package custody

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/twitchtv/twirp"
	"github.com/yiplee/go-cache"
)

func extractBearerToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	return strings.TrimPrefix(token, "Bearer ")
}

func parseUser(token string, secret []byte) (*User, error) {
	var claim jwt.StandardClaims
	if _, err := jwt.ParseWithClaims(token, &claim, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}

		return secret, nil
	}); err != nil {
		return nil, err
	}

	if claim.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	user := &User{ID: claim.Subject}
	if claim.ExpiresAt > 0 {
		user.ExpiresAt = time.Unix(claim.ExpiresAt, 0)
	}

	return user, nil
}

// userCacheTTL bounds how long a parsed token is trusted without re-parsing.
const userCacheTTL = 15 * time.Minute

// tokenStore is the cache store of parsed tokens. Expired entries are swept
// out as new tokens arrive, so the map stays proportional to live tokens.
type tokenStore struct {
	items   map[string]cache.Item[*User]
	sweepAt int
}

func newTokenStore() *tokenStore {
	return &tokenStore{
		items:   map[string]cache.Item[*User]{},
		sweepAt: 64,
	}
}

func (s *tokenStore) Get(key string) (cache.Item[*User], bool) {
	item, ok := s.items[key]
	return item, ok
}

func (s *tokenStore) Set(key string, item cache.Item[*User]) {
	s.items[key] = item
	if len(s.items) < s.sweepAt {
		return
	}

	for k, v := range s.items {
		if v.IsExpired() {
			delete(s.items, k)
		}
	}

	s.sweepAt = max(2*len(s.items), 64)
}

func (s *tokenStore) Delete(key string) {
	delete(s.items, key)
}

func (s *tokenStore) Each(fn func(key string, item cache.Item[*User]) bool) {
	for k, v := range s.items {
		if !fn(k, v) {
			break
		}
	}
}

func cacheExpiry(user *User, now time.Time) time.Time {
	at := now.Add(userCacheTTL)
	if !user.ExpiresAt.IsZero() && user.ExpiresAt.Before(at) {
		return user.ExpiresAt
	}

	return at
}

// handleAuth attaches the user of a valid bearer token to the request
// context. Requests without a token pass through anonymously.
func handleAuth(secret []byte) func(next http.Handler) http.Handler {
	users := cache.NewWithStore[string, *User](newTokenStore())

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := extractBearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			user, ok := users.Get(token)
			if !ok {
				u, err := parseUser(token, secret)
				if err != nil {
					_ = twirp.WriteError(w, twirp.Unauthenticated.Error(err.Error()))
					return
				}

				users.Set(token, u, cache.WithExpiredAt(cacheExpiry(u, time.Now())))
				user = u
			}

			if user.expired(time.Now()) {
				users.Delete(token)
				_ = twirp.WriteError(w, twirp.Unauthenticated.Error("token expired"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(ctx, user)))
		}

		return http.HandlerFunc(fn)
	}
}
