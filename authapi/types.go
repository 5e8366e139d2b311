package authapi

import "encoding/json"

// UserRecord is the user payload the backend returns at login. The session
// manager stores it verbatim and never derives meaning from its fields.
type UserRecord struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
	RoleID    string `json:"roleId"`
}

// LoginResponse is the body of a successful POST /api/auth/login. User is
// kept raw so the caller decides whether to decode it.
type LoginResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    int             `json:"expires_in"`
	User         json.RawMessage `json:"user"`
}

// RefreshResponse is the body of a successful POST /api/auth/refresh. Only
// the access token rotates; the refresh token stays valid.
type RefreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}
