package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// sessionCookie is the browser cookie carrying the opaque session id.
const sessionCookie = "portside_session"

// sessionTTL keeps a GitHub session alive for a week of inactivity.
const sessionTTL = 7 * 24 * time.Hour

// errNoSession is returned when the request carries no valid session.
var errNoSession = errors.New("no session")

// Sessions stores per-browser GitHub tokens in Redis. The cookie value
// is an opaque random id; the token itself never leaves the server. Ids
// are signed with the session secret so a Redis shared with other
// tenants cannot have entries forged into it.
type Sessions struct {
	rdb    *redis.Client
	secret string
}

func NewSessions(rdb *redis.Client, secret string) *Sessions {
	return &Sessions{rdb: rdb, secret: secret}
}

func (sessions *Sessions) key(id string) string {
	return "session:" + id
}

// sign produces the signature half of the cookie value.
func (sessions *Sessions) sign(id string) string {
	mac := hmac.New(sha256.New, []byte(sessions.secret))
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// Create stores the token under a fresh session id and sets the cookie.
func (sessions *Sessions) Create(ctx context.Context, w http.ResponseWriter, token string) error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return err
	}
	id := hex.EncodeToString(raw)

	if err := sessions.rdb.Set(ctx, sessions.key(id), token, sessionTTL).Err(); err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id + "." + sessions.sign(id),
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Token returns the GitHub token for the request's session, refreshing
// the TTL as a side effect so active users stay logged in.
func (sessions *Sessions) Token(ctx context.Context, r *http.Request) (string, error) {
	id, err := sessions.cookieID(r)
	if err != nil {
		return "", err
	}

	token, err := sessions.rdb.Get(ctx, sessions.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", errNoSession
	}
	if err != nil {
		return "", err
	}

	sessions.rdb.Expire(ctx, sessions.key(id), sessionTTL)
	return token, nil
}

// Destroy removes the session server-side and expires the cookie.
func (sessions *Sessions) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if id, err := sessions.cookieID(r); err == nil {
		sessions.rdb.Del(ctx, sessions.key(id))
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// cookieID extracts and verifies the session id from the cookie.
func (sessions *Sessions) cookieID(r *http.Request) (string, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return "", errNoSession
	}

	// Value is "<id>.<hmac>".
	const idLen = 64
	value := cookie.Value
	if len(value) < idLen+1 || value[idLen] != '.' {
		return "", errNoSession
	}
	id, signature := value[:idLen], value[idLen+1:]
	if !hmac.Equal([]byte(signature), []byte(sessions.sign(id))) {
		return "", errNoSession
	}
	return id, nil
}
