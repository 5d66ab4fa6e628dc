package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/securecookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	return NewStore(securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32), "admin", string(hash))
}

func TestAuthenticate(t *testing.T) {
	s := newStore(t)
	assert.NoError(t, s.Authenticate("admin", "s3cret"))
	assert.ErrorIs(t, s.Authenticate("admin", "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, s.Authenticate("root", "s3cret"), ErrInvalidCredentials)
	assert.ErrorIs(t, s.Authenticate("", ""), ErrInvalidCredentials)
}

func TestHashPasswordRoundTrip(t *testing.T) {
	h, err := HashPassword("pw")
	require.NoError(t, err)
	assert.True(t, CheckPassword(h, "pw"))
	assert.False(t, CheckPassword(h, "other"))
}

func TestSessionCookie(t *testing.T) {
	s := newStore(t)

	rec := httptest.NewRecorder()
	require.NoError(t, s.SetSession(rec, httptest.NewRequest(http.MethodPost, "/login", nil), "admin"))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/api/poller", nil)
	req.AddCookie(cookies[0])
	sess, ok := s.GetSession(req)
	require.True(t, ok)
	assert.Equal(t, "admin", sess.User)

	// a cookie from another key pair is rejected
	other := newStore(t)
	_, ok = other.GetSession(req)
	assert.False(t, ok)
}

func TestRequireAuth(t *testing.T) {
	s := newStore(t)
	var user string
	h := s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/poller", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	login := httptest.NewRecorder()
	require.NoError(t, s.SetSession(login, httptest.NewRequest(http.MethodPost, "/login", nil), "admin"))
	req := httptest.NewRequest(http.MethodGet, "/api/poller", nil)
	req.AddCookie(login.Result().Cookies()[0])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "admin", user)
}

func TestClearSession(t *testing.T) {
	rec := httptest.NewRecorder()
	newStore(t).ClearSession(rec)
	c := rec.Result().Cookies()
	require.Len(t, c, 1)
	assert.Equal(t, -1, c[0].MaxAge)
}
