package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// Info represents the point-in-time lifetime view of an access token.
// It is recomputed on demand from the token's expiry claim and is never
// persisted. The same shape is returned by the server's token info endpoint.
type Info struct {
	ExpiresAt        *time.Time `json:"expires_at,omitempty"` // Expiry instant, absent when no token is held
	SecondsRemaining int64      `json:"seconds_remaining"`    // May be negative once past expiry
	Expired          bool       `json:"is_expired"`           // True only once seconds remaining <= 0
	NeedsRefresh     bool       `json:"needs_refresh"`        // True within the proactive refresh margin
}

// DefaultRefreshMargin is how long before expiry a token is considered due
// for a proactive refresh.
const DefaultRefreshMargin = 10 * time.Minute

// Codec decodes an opaque access token into its expiry instant. The token is
// parsed unverified: the client holds no verification keys and expiry
// awareness is all it needs. Signature validation is the server's concern.
type Codec struct {
	refreshMargin  time.Duration
	malformedFatal bool
	clock          clockwork.Clock
}

type CodecOption func(*Codec)

// WithRefreshMargin sets the proactive refresh margin.
func WithRefreshMargin(margin time.Duration) CodecOption {
	return func(c *Codec) {
		c.refreshMargin = margin
	}
}

// WithMalformedFatal controls whether a token that cannot be decoded is
// reported as an error. The default treats a malformed token like an absent
// one: expired and in need of a refresh.
func WithMalformedFatal(fatal bool) CodecOption {
	return func(c *Codec) {
		c.malformedFatal = fatal
	}
}

// WithClock sets the clock (primarily for testing)
func WithClock(clock clockwork.Clock) CodecOption {
	return func(c *Codec) {
		c.clock = clock
	}
}

func NewCodec(options ...CodecOption) *Codec {
	c := &Codec{
		refreshMargin: DefaultRefreshMargin,
		clock:         clockwork.NewRealClock(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// ExpiresAt extracts the expiry instant from the token's "exp" claim without
// verifying the signature.
func (c *Codec) ExpiresAt(rawToken string) (time.Time, error) {
	if strings.TrimSpace(rawToken) == "" {
		return time.Time{}, ErrNoToken
	}

	unverifiedToken, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, ErrMalformedToken
	}

	claims, ok := unverifiedToken.Claims.(jwt.MapClaims)
	if !ok {
		return time.Time{}, ErrMalformedToken
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, ErrMalformedToken
	}

	return time.Unix(int64(exp), 0), nil
}

// Inspect computes the lifetime view of rawToken. An absent token yields an
// expired, needs-refresh Info with no error. A malformed token yields the
// same view, with ErrMalformedToken when the codec is configured fatal.
func (c *Codec) Inspect(rawToken string) (Info, error) {
	expiresAt, err := c.ExpiresAt(rawToken)
	if err != nil {
		info := Info{Expired: true, NeedsRefresh: true}
		if c.malformedFatal && err == ErrMalformedToken {
			return info, err
		}
		return info, nil
	}

	remaining := int64(expiresAt.Sub(c.clock.Now()).Seconds())
	return Info{
		ExpiresAt:        &expiresAt,
		SecondsRemaining: remaining,
		Expired:          remaining <= 0,
		NeedsRefresh:     remaining <= int64(c.refreshMargin.Seconds()),
	}, nil
}

// RefreshMargin returns the configured proactive refresh margin.
func (c *Codec) RefreshMargin() time.Duration {
	return c.refreshMargin
}
