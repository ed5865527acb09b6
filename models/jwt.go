package models

// AdminClaims are the claims of a token that may call the /admin endpoints
type AdminClaims struct {
	Issuer    string `json:"iss"` // optional
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Role      string `json:"role"`
}

// RoleAdmin is the only role accepted by the admin endpoints
const RoleAdmin = "admin"
