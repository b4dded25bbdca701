package stream

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

type BearerClaims struct {
	UserId string
}

// ParseBearerUnverified recovers the identity claims carried by a cluster
// bearer token without validating its signature. The token was issued by the
// cluster and is verified server side; the client only needs the user id to
// stamp on multiplexer REQUEST frames.
func ParseBearerUnverified(token string) (*BearerClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	bearerClaims := &BearerClaims{}

	if userId, ok := claims["user_id"].(string); ok {
		bearerClaims.UserId = userId
	} else if sub, ok := claims["sub"].(string); ok {
		bearerClaims.UserId = sub
	}

	return bearerClaims, nil
}
