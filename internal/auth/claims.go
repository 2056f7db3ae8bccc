package auth

import "github.com/golang-jwt/jwt/v5"

// Claims represents the JWT claims embedded in an access token.
type Claims struct {
	jwt.RegisteredClaims
	SessionID         string `json:"sid"`
	Scope             string `json:"scope"`
	UserType          string `json:"user_type"`
	IsVerified        bool   `json:"is_verified"`
	PhoneHash         string `json:"phone_hash"`
	DeviceFingerprint string `json:"device_fp,omitempty"`
	TokenFamily       string `json:"token_family,omitempty"`
}
