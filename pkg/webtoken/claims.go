package webtoken

import (
	"github.com/golang-jwt/jwt/v5"
)

// Name mirrors the nested name object embedded in every issued token.
type Name struct {
	First string `json:"first"`
	Last  string `json:"last"`
}

// Claims is the identity claim set carried by both access and refresh
// tokens. It is a snapshot taken at issuance time and is never persisted.
type Claims struct {
	Name     Name   `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}
