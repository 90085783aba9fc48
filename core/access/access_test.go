package access

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("unit-test-secret")

func TestTokenRoundTrip(t *testing.T) {
	token, err := CreateToken(testSecret, Scope{Tenant: "aviva"}, time.Hour)
	require.NoError(t, err)

	scope, err := DecodeToken(testSecret, token)
	require.NoError(t, err)
	assert.False(t, scope.Admin)
	assert.Equal(t, "aviva", scope.Tenant)

	adminToken, err := CreateToken(testSecret, Scope{Admin: true}, time.Hour)
	require.NoError(t, err)
	scope, err = DecodeToken(testSecret, adminToken)
	require.NoError(t, err)
	assert.True(t, scope.Admin)
}

func TestTokenRejected(t *testing.T) {
	// wrong secret
	token, err := CreateToken([]byte("other-secret"), Scope{Tenant: "kia"}, time.Hour)
	require.NoError(t, err)
	_, err = DecodeToken(testSecret, token)
	assert.Equal(t, ErrInvalidToken, err)

	// expired
	token, err = CreateToken(testSecret, Scope{Tenant: "kia"}, -time.Minute)
	require.NoError(t, err)
	_, err = DecodeToken(testSecret, token)
	assert.Equal(t, ErrInvalidToken, err)

	// garbage
	_, err = DecodeToken(testSecret, "not.a.token")
	assert.Equal(t, ErrInvalidToken, err)
}

func TestScopeCanAccess(t *testing.T) {
	assert.True(t, Scope{Admin: true}.CanAccess("marvel"))
	assert.True(t, Scope{Tenant: "marvel"}.CanAccess("marvel"))
	assert.False(t, Scope{Tenant: "marvel"}.CanAccess("kia"))
	assert.False(t, Scope{}.CanAccess("kia"))
	assert.False(t, Scope{}.Authorized())
}

func TestJwtMiddleware(t *testing.T) {
	router := mux.NewRouter()
	router.Use(NewJwtMiddleware(testSecret))

	var got Scope
	var present bool
	router.HandleFunc("/probe", func(w http.ResponseWriter, r *http.Request) {
		got, present = ScopeFromContext(r.Context())
	})

	token, err := CreateToken(testSecret, Scope{Tenant: "aviva"}, time.Hour)
	require.NoError(t, err)

	// bearer header
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.True(t, present)
	assert.Equal(t, "aviva", got.Tenant)

	// token query parameter, as used by the websocket upgrade
	present = false
	req = httptest.NewRequest(http.MethodGet, "/probe?token="+token, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.True(t, present)
	assert.Equal(t, "aviva", got.Tenant)

	// no token passes through without a scope
	present = false
	req = httptest.NewRequest(http.MethodGet, "/probe", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, present)

	// invalid token is rejected outright
	req = httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
