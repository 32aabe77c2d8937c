package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-server/internal/models"
	"fleet-server/internal/storage"
)

type fakeUsers struct {
	byName map[string]*models.User
}

func (f *fakeUsers) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	if u, ok := f.byName[username]; ok {
		return u, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeUsers) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	for _, u := range f.byName {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeUsers) EnsureUser(_ context.Context, username, hash string) error {
	if _, ok := f.byName[username]; !ok {
		f.byName[username] = &models.User{ID: uuid.New(), Username: username, PasswordHash: hash}
	}
	return nil
}

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokens("s3cret", time.Hour)
	signed, expires, err := tokens.GenerateToken("user-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := tokens.ParseToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)

	_, err = NewTokens("other", time.Hour).ParseToken(signed)
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	tokens := NewTokens("s3cret", time.Minute)
	tokens.now = func() time.Time { return time.Now().Add(-time.Hour) }
	signed, _, err := tokens.GenerateToken("user-1")
	require.NoError(t, err)

	_, err = NewTokens("s3cret", time.Minute).ParseToken(signed)
	assert.Error(t, err)
}

func TestLoginChecksPassword(t *testing.T) {
	users := &fakeUsers{byName: map[string]*models.User{}}
	require.NoError(t, SeedAdmin(context.Background(), users, "admin", "correct horse"))
	h := NewHandler(users, NewTokens("s3cret", time.Hour))

	login := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body)))
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, login(`{"username":"admin","password":"wrong"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, login(`{"username":"ghost","password":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, login(`{"username":"admin"}`).Code)

	rec := login(`{"username":"admin","password":"correct horse"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
}

func TestMiddleware(t *testing.T) {
	tokens := NewTokens("s3cret", time.Hour)
	protected := tokens.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := UserIDFromContext(r.Context())
		w.Write([]byte(id))
	}))

	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/hosts", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	signed, _, err := tokens.GenerateToken("user-7")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/hosts", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-7", rec.Body.String())
}
