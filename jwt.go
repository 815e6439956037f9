package chatclient

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

type ByJwt struct {
	UserId   string
	Username string
}

// ParseByJwtUnverified pulls identity claims out of the bearer credential
// without verifying the signature. The server is the verifier; the client
// only needs the claims to route user-scoped queues before bootstrap
// resolves.
func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userId, ok := claims["userId"].(string); ok {
		byJwt.UserId = userId
	} else if sub, ok := claims["sub"].(string); ok {
		byJwt.UserId = sub
	}
	if username, ok := claims["username"].(string); ok {
		byJwt.Username = username
	} else if name, ok := claims["name"].(string); ok {
		byJwt.Username = name
	}

	return byJwt, nil
}
