package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAuthenticator(allowAnonymousEdit bool) *Authenticator {
	return NewAuthenticator("test-secret", allowAnonymousEdit, zap.NewNop().Sugar())
}

func TestTokenRoundTrip(t *testing.T) {
	a := newTestAuthenticator(false)
	token, err := a.IssueToken("u1", "Ann", map[string]Role{"room": RoleEditor}, time.Hour)
	require.NoError(t, err)

	user, err := a.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "Ann", user.Name)
	assert.True(t, a.CanEdit(context.Background(), user, "room"))
	assert.False(t, a.CanEdit(context.Background(), user, "other"))
}

func TestWildcardRole(t *testing.T) {
	a := newTestAuthenticator(false)
	user := &User{ID: "u", Rooms: map[string]Role{Wildcard: RoleEditor, "locked": RoleReader}}

	assert.True(t, a.CanEdit(context.Background(), user, "anything"))
	assert.False(t, a.CanEdit(context.Background(), user, "locked"))
}

func TestRejectsForeignAndExpiredTokens(t *testing.T) {
	a := newTestAuthenticator(false)
	other := NewAuthenticator("other-secret", false, zap.NewNop().Sugar())

	foreign, err := other.IssueToken("u1", "", nil, time.Hour)
	require.NoError(t, err)
	_, err = a.ParseToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := a.IssueToken("u1", "", nil, -time.Minute)
	require.NoError(t, err)
	_, err = a.ParseToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAnonymousEdit(t *testing.T) {
	assert.False(t, newTestAuthenticator(false).CanEdit(context.Background(), Anonymous, "room"))
	assert.True(t, newTestAuthenticator(true).CanEdit(context.Background(), Anonymous, "room"))
}

func TestMiddleware(t *testing.T) {
	a := newTestAuthenticator(false)
	var seen *User
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/poll/message/room", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, seen.Anonymous)

	token, err := a.IssueToken("u2", "Bo", nil, time.Hour)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/room?token="+token, nil))
	assert.Equal(t, "u2", seen.ID)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/poll/message/room", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
