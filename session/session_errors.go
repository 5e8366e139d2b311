package session

import "errors"

var (
	ErrNoRefreshToken   = errors.New("no refresh token to refresh with")
	ErrEmptyCredentials = errors.New("identifier and secret are required")
	ErrNoStore          = errors.New("no credential store available")
)
