package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	cookieName = "slotwatch_session"
	sessionTTL = 12 * time.Hour
)

// Store authenticates the single operator account and issues cookie sessions.
type Store struct {
	sc           *securecookie.SecureCookie
	username     string
	passwordHash string
	now          func() time.Time
}

type ctxKey string

const userKey ctxKey = "user"

func NewStore(hashKey, blockKey []byte, username, passwordHash string) *Store {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionTTL.Seconds()))
	return &Store{sc: sc, username: username, passwordHash: passwordHash, now: time.Now}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
	return err == nil
}

func (s *Store) Authenticate(username, password string) error {
	// always run bcrypt so a wrong username costs the same as a wrong password
	pwOK := CheckPassword(s.passwordHash, password)
	if !secureEq(username, s.username) || !pwOK {
		return ErrInvalidCredentials
	}
	return nil
}

type Session struct {
	User     string
	IssuedAt int64
}

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, user string) error {
	encoded, err := s.sc.Encode(cookieName, Session{User: user, IssuedAt: s.now().Unix()})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	var sess Session
	if err := s.sc.Decode(cookieName, c.Value, &sess); err != nil {
		return Session{}, false
	}
	if sess.User == "" || !secureEq(sess.User, s.username) {
		return Session{}, false
	}
	return sess, true
}

// RequireAuth rejects requests without a valid session with 401.
func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.GetSession(r)
		if !ok {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, sess.User)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func UserFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(userKey).(string)
	return u, ok
}

func secureEq(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
