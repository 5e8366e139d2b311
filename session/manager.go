// Package session owns the process-wide bearer credential pair: it logs the
// user in and out, keeps the short-lived access token fresh through
// single-flight refreshes, watches remaining token lifetime from a health
// monitor, and wraps outgoing requests with a transparent retry-after-refresh.
package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/credstore"
	"github.com/jrsteele09/go-auth-client/token"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// RotatedTokenHeader is the response header a backend sets when it silently
// rotates the access token on an authenticated response.
const RotatedTokenHeader = "X-New-Access-Token"

// Store TTLs, in the day-granularity the credential store contract uses.
const (
	accessTokenTTLDays  = 1
	refreshTokenTTLDays = 7
	userTTLDays         = 7
)

const refreshFlightKey = "refresh"

// Session is the active authentication context. Exactly one exists per
// Manager, and the application holds exactly one Manager.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         *authapi.UserRecord
}

// Manager owns the credential pair and the session user record. It is the
// sole writer of the credential store; everything else reads through it.
type Manager struct {
	api        *authapi.Client
	store      credstore.Store
	codec      *token.Codec
	clock      clockwork.Clock
	httpClient *http.Client
	log        zerolog.Logger

	notifier      NotificationSink
	expiredFunc   func(reason string)
	refreshMargin time.Duration

	refreshGroup    singleflight.Group
	refreshInFlight atomic.Bool

	monitor *HealthMonitor
}

type ManagerOption func(*Manager)

// WithClock sets the clock for the manager, its codec, and its monitor
// (primarily for testing)
func WithClock(clock clockwork.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = logger
	}
}

// WithNotificationSink routes expiring/expired events to the given sink
// instead of the logging default.
func WithNotificationSink(sink NotificationSink) ManagerOption {
	return func(m *Manager) {
		m.notifier = sink
	}
}

// WithExpiredFunc registers the host's redirect-to-login callback, invoked
// after an irrecoverable session loss.
func WithExpiredFunc(fn func(reason string)) ManagerOption {
	return func(m *Manager) {
		m.expiredFunc = fn
	}
}

// WithHTTPClient replaces the HTTP client used by the authenticated-request
// wrapper (primarily for testing)
func WithHTTPClient(httpClient *http.Client) ManagerOption {
	return func(m *Manager) {
		m.httpClient = httpClient
	}
}

// WithTokenCodec replaces the token codec, e.g. to change the
// malformed-token policy.
func WithTokenCodec(codec *token.Codec) ManagerOption {
	return func(m *Manager) {
		m.codec = codec
	}
}

// WithRefreshMargin sets the proactive refresh margin on the default codec.
func WithRefreshMargin(margin time.Duration) ManagerOption {
	return func(m *Manager) {
		m.refreshMargin = margin
	}
}

// WithMonitorInterval sets the health monitor's tick interval.
func WithMonitorInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.monitor.interval = interval
	}
}

// New creates a Manager. The store may be nil for hosts without a storage
// medium (server-side rendering passes): every read then reports an
// unauthenticated session and Login fails with ErrNoStore.
func New(api *authapi.Client, store credstore.Store, options ...ManagerOption) (*Manager, error) {
	if api == nil {
		return nil, errors.New("[session.New] api client is required")
	}

	m := &Manager{
		api:   api,
		store: store,
		clock: clockwork.NewRealClock(),
		log:   log.Logger,
	}
	m.monitor = newHealthMonitor(m)

	for _, opt := range options {
		opt(m)
	}

	if m.codec == nil {
		codecOpts := []token.CodecOption{token.WithClock(m.clock)}
		if m.refreshMargin > 0 {
			codecOpts = append(codecOpts, token.WithRefreshMargin(m.refreshMargin))
		}
		m.codec = token.NewCodec(codecOpts...)
	}
	if m.httpClient == nil {
		m.httpClient = http.DefaultClient
	}
	if m.notifier == nil {
		m.notifier = logSink{log: m.log}
	}
	m.monitor.clock = m.clock
	m.monitor.log = m.log

	return m, nil
}

// Start runs the health monitor: one immediate tick, then periodic ticks
// until Stop or session expiry. Login restarts it.
func (m *Manager) Start() {
	m.monitor.Start()
}

// Close stops the health monitor and cancels any pending retry timer.
// In-flight refreshes are left to finish.
func (m *Manager) Close() {
	m.monitor.Stop()
}

// Monitor exposes the health monitor for the host's runtime adapter
// (visibility pause/resume, manual ticks).
func (m *Manager) Monitor() *HealthMonitor {
	return m.monitor
}

// Login exchanges the identifier/secret pair for a new session, replacing
// any prior one. On success the user record and both tokens are persisted
// before control returns, and the health monitor is restarted. On failure
// nothing is written.
func (m *Manager) Login(ctx context.Context, identifier, secret string) (*Session, error) {
	if strings.TrimSpace(identifier) == "" || strings.TrimSpace(secret) == "" {
		return nil, ErrEmptyCredentials
	}
	if m.store == nil {
		return nil, ErrNoStore
	}

	resp, err := m.api.Login(ctx, identifier, secret)
	if err != nil {
		return nil, err
	}

	if err := m.writeCredentials(resp); err != nil {
		_ = m.store.Clear()
		return nil, err
	}

	m.monitor.Restart()

	session := &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	var user authapi.UserRecord
	if len(resp.User) > 0 && json.Unmarshal(resp.User, &user) == nil {
		session.User = &user
	}

	m.log.Info().Msg("session established")
	return session, nil
}

// writeCredentials persists a login response. The user record goes first so
// no reader ever observes an access token without one.
func (m *Manager) writeCredentials(resp *authapi.LoginResponse) error {
	if len(resp.User) > 0 {
		if err := m.store.Set(credstore.KeyUser, string(resp.User), userTTLDays); err != nil {
			return errors.Wrap(err, "store user record")
		}
	}
	if resp.RefreshToken != "" {
		if err := m.store.Set(credstore.KeyRefreshToken, resp.RefreshToken, refreshTokenTTLDays); err != nil {
			return errors.Wrap(err, "store refresh token")
		}
	}
	return m.storeAccessToken(resp.AccessToken)
}

func (m *Manager) storeAccessToken(accessToken string) error {
	if err := m.store.Set(credstore.KeyAccessToken, accessToken, accessTokenTTLDays); err != nil {
		return errors.Wrap(err, "store access token")
	}
	if err := m.store.Set(credstore.KeyLegacyToken, accessToken, accessTokenTTLDays); err != nil {
		return errors.Wrap(err, "store legacy token alias")
	}
	return nil
}

// Logout invalidates the refresh token server-side on a best-effort basis,
// then always clears local credentials and stops the monitor. Local cleanup
// never depends on the server being reachable. Calling Logout with no
// active session is a no-op.
func (m *Manager) Logout(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	accessToken, _ := m.store.Get(credstore.KeyAccessToken)
	refreshToken, _ := m.store.Get(credstore.KeyRefreshToken)

	m.clearCredentials()
	m.monitor.Stop()

	if accessToken == "" && refreshToken == "" {
		return nil
	}

	if err := m.api.Logout(ctx, accessToken, refreshToken); err != nil {
		m.log.Warn().Err(err).Msg("server-side logout failed, local session cleared anyway")
		return err
	}
	return nil
}

// AccessToken returns the stored access token, or "" when unauthenticated.
// Pure store read.
func (m *Manager) AccessToken() string {
	if m.store == nil {
		return ""
	}
	accessToken, _ := m.store.Get(credstore.KeyAccessToken)
	return accessToken
}

// User returns the stored user record, or nil when none is held.
func (m *Manager) User() *authapi.UserRecord {
	if m.store == nil {
		return nil
	}
	raw, ok := m.store.Get(credstore.KeyUser)
	if !ok {
		return nil
	}
	var user authapi.UserRecord
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil
	}
	return &user
}

// IsAuthenticated reports whether an access token is present. Presence
// only: expiry is the monitor's concern.
func (m *Manager) IsAuthenticated() bool {
	return m.AccessToken() != ""
}

// RefreshAccessToken exchanges the refresh token for a new access token.
// Concurrent callers share a single in-flight refresh and receive the same
// result. A hard rejection (or a missing refresh token) expires the
// session; transient transport failures preserve credentials for a later
// retry.
func (m *Manager) RefreshAccessToken(ctx context.Context) (string, error) {
	if m.store == nil {
		return "", ErrNoRefreshToken
	}

	refreshToken, ok := m.store.Get(credstore.KeyRefreshToken)
	if !ok || refreshToken == "" {
		if m.IsAuthenticated() {
			m.expireSession("refresh attempted with no refresh token")
		}
		return "", ErrNoRefreshToken
	}

	result, err, _ := m.refreshGroup.Do(refreshFlightKey, func() (any, error) {
		m.refreshInFlight.Store(true)
		defer m.refreshInFlight.Store(false)
		return m.doRefresh(ctx, refreshToken)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context, refreshToken string) (string, error) {
	resp, err := m.api.Refresh(ctx, refreshToken)
	if err != nil {
		if authapi.IsAuthFailure(err) {
			m.expireSession("refresh token rejected")
			return "", err
		}
		m.log.Warn().Err(err).Msg("transient refresh failure, credentials preserved")
		return "", err
	}

	// Only the access token rotates; refresh token and user record stay.
	if err := m.storeAccessToken(resp.AccessToken); err != nil {
		return "", err
	}
	m.log.Debug().Msg("access token refreshed")
	return resp.AccessToken, nil
}

// TokenInfo computes the lifetime view of the held access token from its
// expiry claim, without a network call. While a refresh is in flight it
// returns a conservative not-expired, needs-refresh placeholder so the read
// path can never trigger a second refresh.
func (m *Manager) TokenInfo() token.Info {
	info, _ := m.tokenInfo()
	return info
}

// tokenInfo also surfaces the codec's malformed-token error when the codec
// is configured fatal; the monitor turns that into expiry handling.
func (m *Manager) tokenInfo() (token.Info, error) {
	if m.refreshInFlight.Load() {
		return token.Info{NeedsRefresh: true}, nil
	}
	return m.codec.Inspect(m.AccessToken())
}

// Do sends an authenticated request: current access token attached as a
// bearer header, one transparent refresh-and-retry on 401, never more. A
// rotated-token response header is stored opportunistically regardless of
// status. The final response or error is returned to the caller untouched;
// an unrecoverable 401 additionally expires the session.
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	if accessToken := m.AccessToken(); accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	m.captureRotatedToken(resp)

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	newToken, err := m.RefreshAccessToken(req.Context())
	if err != nil {
		return nil, err
	}

	retry, err := cloneRequest(req)
	if err != nil {
		return nil, err
	}
	retry.Header.Set("Authorization", "Bearer "+newToken)

	resp, err = m.httpClient.Do(retry)
	if err != nil {
		return nil, err
	}
	m.captureRotatedToken(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		m.expireSession("unauthorized after refresh")
	}
	return resp, nil
}

func (m *Manager) captureRotatedToken(resp *http.Response) {
	rotated := resp.Header.Get(RotatedTokenHeader)
	if rotated == "" || m.store == nil {
		return
	}
	if err := m.storeAccessToken(rotated); err != nil {
		m.log.Warn().Err(err).Msg("failed to store rotated access token")
		return
	}
	m.log.Debug().Msg("stored server-rotated access token")
}

// expireSession is the irrecoverable-loss path: clear credentials, notify,
// hand the host its redirect callback, stop monitoring.
func (m *Manager) expireSession(reason string) {
	m.clearCredentials()
	m.log.Warn().Str("reason", reason).Msg("session irrecoverably lost")
	m.notifier.SessionExpired(reason)
	if m.expiredFunc != nil {
		m.expiredFunc(reason)
	}
	m.monitor.Stop()
}

func (m *Manager) clearCredentials() {
	if m.store == nil {
		return
	}
	if err := m.store.Clear(); err != nil {
		m.log.Error().Err(err).Msg("failed to clear credential store")
	}
}

// cloneRequest rebuilds req for the single retry, re-materializing the body
// via GetBody when one was attached.
func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, "clone request body")
		}
		clone.Body = body
	}
	return clone, nil
}
