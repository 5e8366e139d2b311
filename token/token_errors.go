package token

import "errors"

var (
	ErrNoToken        = errors.New("no access token")
	ErrMalformedToken = errors.New("malformed access token")
)
