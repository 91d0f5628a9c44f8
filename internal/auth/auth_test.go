package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	svc := NewService("s3cret", time.Hour)
	tok, exp, err := svc.IssueSession(Claims{UserID: "u1", UserName: "lobby", Role: "display", SessionID: "h1"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	c, err := svc.ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, &Claims{UserID: "u1", UserName: "lobby", Role: "display", SessionID: "h1"}, c)

	_, err = NewService("other", 0).ParseToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsExpiredAndForeignTokens(t *testing.T) {
	svc := NewService("s3cret", time.Minute)
	tok, _, err := svc.IssueSession(Claims{UserID: "u1", SessionID: "h1"})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = svc.ParseToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwtClaims{SessionID: "h1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = NewService("s3cret", 0).ParseToken(none)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noSession, _, err := NewService("s3cret", 0).IssueSession(Claims{UserID: "u1"})
	require.NoError(t, err)
	_, err = NewService("s3cret", 0).ParseToken(noSession)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequireSession(t *testing.T) {
	svc := NewService("s3cret", 0)
	tok, _, err := svc.IssueSession(Claims{UserID: "u1", SessionID: "h1"})
	require.NoError(t, err)

	var seen *Claims
	h := svc.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Basic abc", http.StatusUnauthorized},
		{"Bearer nope", http.StatusUnauthorized},
		{"bearer " + tok, http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/device/ping", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.status, rec.Code, tc.header)
	}
	require.NotNil(t, seen)
	assert.Equal(t, "h1", seen.SessionID)
}
