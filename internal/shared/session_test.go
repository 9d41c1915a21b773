package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "console_session", "secret", time.Hour, false), mr
}

func requestWithCookie(sm *SessionManager, id string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id != "" {
		req.AddCookie(&http.Cookie{Name: sm.CookieName(), Value: id})
	}
	return req
}

func TestSessionRoundTrip(t *testing.T) {
	sm, mr := newTestManager(t)
	ctx := context.Background()

	sess, err := sm.Load(ctx, requestWithCookie(sm, ""))
	require.NoError(t, err)
	sess.SetUser("7")
	sess.Set("theme", "dark")

	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, sess))
	assert.True(t, mr.Exists("console:session:"+sess.ID))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sess.ID, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)

	loaded, err := sm.Load(ctx, requestWithCookie(sm, sess.ID))
	require.NoError(t, err)
	assert.Equal(t, "7", loaded.User())
	assert.Equal(t, "dark", loaded.Get("theme"))
}

func TestSessionUnknownCookieIsReplaced(t *testing.T) {
	sm, _ := newTestManager(t)
	sess, err := sm.Load(context.Background(), requestWithCookie(sm, "forged"))
	require.NoError(t, err)
	assert.NotEqual(t, "forged", sess.ID)
	assert.Empty(t, sess.User())
}

func TestSessionRenewDropsOldID(t *testing.T) {
	sm, mr := newTestManager(t)
	ctx := context.Background()

	sess, err := sm.Load(ctx, requestWithCookie(sm, ""))
	require.NoError(t, err)
	require.NoError(t, sm.Commit(ctx, httptest.NewRecorder(), sess))
	oldID := sess.ID

	loaded, err := sm.Load(ctx, requestWithCookie(sm, oldID))
	require.NoError(t, err)
	sm.Renew(loaded)
	loaded.SetUser("3")
	require.NoError(t, sm.Commit(ctx, httptest.NewRecorder(), loaded))

	assert.NotEqual(t, oldID, loaded.ID)
	assert.False(t, mr.Exists("console:session:"+oldID))
	assert.True(t, mr.Exists("console:session:"+loaded.ID))
}

func TestSessionDestroyClearsCookie(t *testing.T) {
	sm, mr := newTestManager(t)
	ctx := context.Background()

	sess, err := sm.Load(ctx, requestWithCookie(sm, ""))
	require.NoError(t, err)
	require.NoError(t, sm.Commit(ctx, httptest.NewRecorder(), sess))

	sm.Destroy(sess)
	assert.True(t, sess.Destroyed())
	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, sess))

	assert.False(t, mr.Exists("console:session:"+sess.ID))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestCSRFTokens(t *testing.T) {
	sm, _ := newTestManager(t)
	m := NewCSRFManager("csrfsecret")
	sess, err := sm.Load(context.Background(), requestWithCookie(sm, ""))
	require.NoError(t, err)

	assert.ErrorIs(t, m.VerifyToken(sess, "anything"), ErrCSRFTokenMissing)

	token, err := m.EnsureToken(sess)
	require.NoError(t, err)
	again, err := m.EnsureToken(sess)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	assert.NoError(t, m.VerifyToken(sess, token))
	assert.ErrorIs(t, m.VerifyToken(sess, ""), ErrCSRFTokenMissing)
	assert.ErrorIs(t, m.VerifyToken(sess, token+"x"), ErrCSRFTokenMismatch)

	rotated, err := m.RotateToken(sess)
	require.NoError(t, err)
	assert.NotEqual(t, token, rotated)
	assert.ErrorIs(t, m.VerifyToken(sess, token), ErrCSRFTokenMismatch)
	assert.NoError(t, m.VerifyToken(sess, rotated))
}

func TestCSRFTokenBoundToSessionID(t *testing.T) {
	sm, _ := newTestManager(t)
	m := NewCSRFManager("csrfsecret")
	sess, err := sm.Load(context.Background(), requestWithCookie(sm, ""))
	require.NoError(t, err)
	token, err := m.EnsureToken(sess)
	require.NoError(t, err)

	sm.Renew(sess)
	assert.ErrorIs(t, m.VerifyToken(sess, token), ErrCSRFTokenMismatch)

	fresh, err := m.EnsureToken(sess)
	require.NoError(t, err)
	assert.NotEqual(t, token, fresh)
	assert.NoError(t, m.VerifyToken(sess, fresh))

	other := NewCSRFManager("othersecret")
	assert.ErrorIs(t, other.VerifyToken(sess, fresh), ErrCSRFTokenMismatch)
}

func TestPagination(t *testing.T) {
	p := NewPagination(0, 0, 41)
	assert.Equal(t, Pagination{Page: 1, PerPage: 20, Total: 41, TotalPages: 3}, p)
	assert.True(t, p.HasNext())
	assert.False(t, NewPagination(3, 20, 41).HasNext())
	assert.Equal(t, 0, NewPagination(1, 10, 0).TotalPages)
}
