package stream

import (
	"testing"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestParseBearerUnverified(t *testing.T) {
	token := signTestToken(t, gojwt.MapClaims{
		"sub": "user-1",
	})
	claims, err := ParseBearerUnverified(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.UserId, "user-1")

	// an explicit user_id claim wins over sub
	token = signTestToken(t, gojwt.MapClaims{
		"sub":     "subject",
		"user_id": "user-2",
	})
	claims, err = ParseBearerUnverified(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.UserId, "user-2")

	// no identity claims at all
	token = signTestToken(t, gojwt.MapClaims{
		"aud": "cluster",
	})
	claims, err = ParseBearerUnverified(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.UserId, "")

	_, err = ParseBearerUnverified("not-a-jwt")
	assert.NotEqual(t, err, nil)
}
