package session_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/credstore"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/stretchr/testify/require"
)

const (
	testIdentifier   = "u@example.com"
	testSecret       = "pw123456"
	testRefreshToken = "R1"
	testUserJSON     = `{"id":"u1","email":"u@example.com","firstName":"Jo","lastName":"Doe","role":"admin","roleId":"r1"}`
	signingSecret    = "test-secret"
)

var testEpoch = time.Unix(1_700_000_000, 0)

// fakeBackend is an httptest auth backend with scriptable failures.
type fakeBackend struct {
	t     *testing.T
	clock clockwork.Clock

	mu              sync.Mutex
	loginCalls      int
	refreshCalls    int
	logoutCalls     int
	loginStatus     int   // 0 => 200
	logoutStatus    int   // 0 => 204
	refreshStatuses []int // consumed one per call; empty => 200
	loginAccess     string
	loginAccessTTL  time.Duration
	lastIssued      string
	mintCount       int
	refreshGate     chan struct{} // when set, refresh blocks until closed

	server *httptest.Server
}

func newFakeBackend(t *testing.T, clock clockwork.Clock) *fakeBackend {
	t.Helper()

	b := &fakeBackend{t: t, clock: clock, loginAccessTTL: time.Hour}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", b.handleLogin)
	mux.HandleFunc("/api/auth/refresh", b.handleRefresh)
	mux.HandleFunc("/api/auth/logout", b.handleLogout)
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)

	return b
}

func (b *fakeBackend) mintToken(ttl time.Duration) string {
	// jti keeps tokens unique even when the fake clock stands still.
	b.mintCount++
	claims := jwt.MapClaims{
		"sub": "u1",
		"jti": fmt.Sprintf("jti-%d", b.mintCount),
		"iat": b.clock.Now().Unix(),
		"exp": b.clock.Now().Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingSecret))
	require.NoError(b.t, err)
	return signed
}

func (b *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.loginCalls++
	if b.loginStatus != 0 {
		w.WriteHeader(b.loginStatus)
		json.NewEncoder(w).Encode(map[string]string{"detail": "invalid credentials"})
		return
	}

	access := b.loginAccess
	if access == "" {
		access = b.mintToken(b.loginAccessTTL)
	}
	b.lastIssued = access

	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"refresh_token": testRefreshToken,
		"expires_in":    int(b.loginAccessTTL.Seconds()),
		"user":          json.RawMessage(testUserJSON),
	})
}

func (b *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.refreshCalls++
	gate := b.refreshGate
	status := 0
	if len(b.refreshStatuses) > 0 {
		status = b.refreshStatuses[0]
		b.refreshStatuses = b.refreshStatuses[1:]
	}
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	require.Equal(b.t, testRefreshToken, body.RefreshToken)

	if status != 0 {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"detail": "refresh rejected"})
		return
	}

	b.mu.Lock()
	b.lastIssued = b.mintToken(time.Hour)
	issued := b.lastIssued
	b.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]any{"access_token": issued, "expires_in": 3600})
}

func (b *fakeBackend) handleLogout(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logoutCalls++
	if b.logoutStatus != 0 {
		w.WriteHeader(b.logoutStatus)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) counts() (login, refresh, logout int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loginCalls, b.refreshCalls, b.logoutCalls
}

func (b *fakeBackend) issuedToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastIssued
}

// captureSink records notifications for assertions.
type captureSink struct {
	mu       sync.Mutex
	expiring []int
	expired  []string
}

func (s *captureSink) SessionExpiring(minutesLeft int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiring = append(s.expiring, minutesLeft)
}

func (s *captureSink) SessionExpired(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = append(s.expired, reason)
}

func (s *captureSink) expiringSeen() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.expiring...)
}

func (s *captureSink) expiredSeen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.expired...)
}

type testFixture struct {
	backend *fakeBackend
	store   *credstore.Memory
	clock   *clockwork.FakeClock
	sink    *captureSink
	manager *session.Manager
}

func setupTestFixture(t *testing.T, options ...session.ManagerOption) *testFixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testEpoch)
	backend := newFakeBackend(t, clock)
	store := credstore.NewMemory(credstore.WithClock(clock))
	sink := &captureSink{}

	opts := append([]session.ManagerOption{
		session.WithClock(clock),
		session.WithNotificationSink(sink),
	}, options...)

	manager, err := session.New(authapi.NewClient(backend.server.URL), store, opts...)
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	return &testFixture{
		backend: backend,
		store:   store,
		clock:   clock,
		sink:    sink,
		manager: manager,
	}
}

func (f *testFixture) login(t *testing.T) *session.Session {
	t.Helper()

	sess, err := f.manager.Login(context.Background(), testIdentifier, testSecret)
	require.NoError(t, err)
	return sess
}

// seedSession plants a restored session directly in the store, the way a
// prior run would have left it.
func (f *testFixture) seedSession(accessToken string) {
	f.store.Set(credstore.KeyUser, testUserJSON, 7)
	f.store.Set(credstore.KeyRefreshToken, testRefreshToken, 7)
	f.store.Set(credstore.KeyAccessToken, accessToken, 1)
	f.store.Set(credstore.KeyLegacyToken, accessToken, 1)
}

func TestLoginStoresCredentials(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.loginAccess = "A1"

	sess := f.login(t)

	require.Equal(t, "A1", sess.AccessToken)
	require.Equal(t, testRefreshToken, sess.RefreshToken)
	require.NotNil(t, sess.User)
	require.Equal(t, "u1", sess.User.ID)

	require.Equal(t, "A1", f.manager.AccessToken())
	require.True(t, f.manager.IsAuthenticated())

	user := f.manager.User()
	require.NotNil(t, user)
	require.Equal(t, "u1", user.ID)
	require.Equal(t, "u@example.com", user.Email)

	legacy, ok := f.store.Get(credstore.KeyLegacyToken)
	require.True(t, ok)
	require.Equal(t, "A1", legacy)

	refresh, ok := f.store.Get(credstore.KeyRefreshToken)
	require.True(t, ok)
	require.Equal(t, testRefreshToken, refresh)
}

func TestLoginRequiresCredentials(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.Login(context.Background(), "", testSecret)
	require.ErrorIs(t, err, session.ErrEmptyCredentials)

	_, err = f.manager.Login(context.Background(), testIdentifier, "  ")
	require.ErrorIs(t, err, session.ErrEmptyCredentials)

	logins, _, _ := f.backend.counts()
	require.Zero(t, logins)
}

func TestLoginRejectedWritesNothing(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.loginStatus = http.StatusUnauthorized

	_, err := f.manager.Login(context.Background(), testIdentifier, "wrong")
	require.Error(t, err)
	require.True(t, authapi.IsAuthFailure(err))
	require.Contains(t, err.Error(), "invalid credentials")

	require.False(t, f.manager.IsAuthenticated())
	_, ok := f.store.Get(credstore.KeyUser)
	require.False(t, ok)
}

func TestNilStoreIsAlwaysUnauthenticated(t *testing.T) {
	manager, err := session.New(authapi.NewClient("http://localhost:0"), nil)
	require.NoError(t, err)
	defer manager.Close()

	require.False(t, manager.IsAuthenticated())
	require.Empty(t, manager.AccessToken())
	require.Nil(t, manager.User())

	_, err = manager.Login(context.Background(), testIdentifier, testSecret)
	require.ErrorIs(t, err, session.ErrNoStore)

	_, err = manager.RefreshAccessToken(context.Background())
	require.ErrorIs(t, err, session.ErrNoRefreshToken)
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	require.NoError(t, f.manager.Logout(context.Background()))
	require.False(t, f.manager.IsAuthenticated())
	require.Nil(t, f.manager.User())

	require.NoError(t, f.manager.Logout(context.Background()))

	_, _, logouts := f.backend.counts()
	require.Equal(t, 1, logouts)
}

func TestLogoutClearsLocallyWhenServerUnreachable(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.backend.logoutStatus = http.StatusInternalServerError

	err := f.manager.Logout(context.Background())
	require.Error(t, err)
	require.False(t, f.manager.IsAuthenticated())
}

func TestRefreshSingleFlight(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	gate := make(chan struct{})
	f.backend.mu.Lock()
	f.backend.refreshGate = gate
	f.backend.mu.Unlock()

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.manager.RefreshAccessToken(context.Background())
		}(i)
	}

	// All callers are queued behind one network call; release it.
	require.Eventually(t, func() bool {
		_, refreshes, _ := f.backend.counts()
		return refreshes == 1
	}, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	_, refreshes, _ := f.backend.counts()
	require.Equal(t, 1, refreshes)

	issued := f.backend.issuedToken()
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, issued, results[i])
	}
	require.Equal(t, issued, f.manager.AccessToken())
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.RefreshAccessToken(context.Background())
	require.ErrorIs(t, err, session.ErrNoRefreshToken)

	_, refreshes, _ := f.backend.counts()
	require.Zero(t, refreshes)
}

func TestRefreshWithoutRefreshTokenExpiresActiveSession(t *testing.T) {
	f := setupTestFixture(t)
	f.store.Set(credstore.KeyAccessToken, f.backend.mintToken(time.Hour), 1)

	_, err := f.manager.RefreshAccessToken(context.Background())
	require.ErrorIs(t, err, session.ErrNoRefreshToken)

	require.False(t, f.manager.IsAuthenticated())
	require.Len(t, f.sink.expiredSeen(), 1)
}

func TestRefreshRotatesOnlyAccessToken(t *testing.T) {
	f := setupTestFixture(t)
	sess := f.login(t)

	refreshed, err := f.manager.RefreshAccessToken(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, sess.AccessToken, refreshed)
	require.Equal(t, refreshed, f.manager.AccessToken())

	refreshToken, ok := f.store.Get(credstore.KeyRefreshToken)
	require.True(t, ok)
	require.Equal(t, testRefreshToken, refreshToken)

	user := f.manager.User()
	require.NotNil(t, user)
	require.Equal(t, "u1", user.ID)
}

func TestRefreshHardFailureExpiresSession(t *testing.T) {
	var redirected []string
	f := setupTestFixture(t, session.WithExpiredFunc(func(reason string) {
		redirected = append(redirected, reason)
	}))
	f.login(t)

	f.backend.mu.Lock()
	f.backend.refreshStatuses = []int{http.StatusUnauthorized}
	f.backend.mu.Unlock()

	_, err := f.manager.RefreshAccessToken(context.Background())
	require.Error(t, err)
	require.True(t, authapi.IsAuthFailure(err))

	require.False(t, f.manager.IsAuthenticated())
	require.Len(t, f.sink.expiredSeen(), 1)
	require.Len(t, redirected, 1)
}

func TestRefreshTransientFailuresPreserveCredentials(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	accessToken := f.manager.AccessToken()

	f.backend.mu.Lock()
	f.backend.refreshStatuses = []int{
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
	}
	f.backend.mu.Unlock()

	for i := 0; i < 3; i++ {
		_, err := f.manager.RefreshAccessToken(context.Background())
		require.Error(t, err)
		require.True(t, authapi.IsTransient(err))
		require.Equal(t, accessToken, f.manager.AccessToken())
		require.Empty(t, f.sink.expiredSeen())
	}

	// An explicit rejection, by contrast, clears everything.
	f.backend.mu.Lock()
	f.backend.refreshStatuses = []int{http.StatusUnauthorized}
	f.backend.mu.Unlock()

	_, err := f.manager.RefreshAccessToken(context.Background())
	require.Error(t, err)
	require.False(t, f.manager.IsAuthenticated())
	require.Len(t, f.sink.expiredSeen(), 1)
}

func TestTokenInfoPlaceholderDuringRefresh(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	// A fresh one-hour token would normally report no refresh needed.
	info := f.manager.TokenInfo()
	require.False(t, info.NeedsRefresh)

	gate := make(chan struct{})
	f.backend.mu.Lock()
	f.backend.refreshGate = gate
	f.backend.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.manager.RefreshAccessToken(context.Background())
	}()

	require.Eventually(t, func() bool {
		placeholder := f.manager.TokenInfo()
		return placeholder.NeedsRefresh && !placeholder.Expired && placeholder.ExpiresAt == nil
	}, time.Second, time.Millisecond)

	close(gate)
	<-done
}

func newResourceServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestDoRetriesOnceAfterRefresh(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	staleToken := f.manager.AccessToken()

	var calls int
	var tokensSeen []string
	resource := newResourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		tokensSeen = append(tokensSeen, r.Header.Get("Authorization"))
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "ok")
	})

	req, err := http.NewRequest(http.MethodGet, resource.URL+"/things", nil)
	require.NoError(t, err)

	resp, err := f.manager.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, 2, calls)
	require.Equal(t, "Bearer "+staleToken, tokensSeen[0])
	require.Equal(t, "Bearer "+f.backend.issuedToken(), tokensSeen[1])
	require.Equal(t, f.backend.issuedToken(), f.manager.AccessToken())

	_, refreshes, _ := f.backend.counts()
	require.Equal(t, 1, refreshes)
}

func TestDoNeverRetriesTwice(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	var calls int
	resource := newResourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	})

	req, err := http.NewRequest(http.MethodGet, resource.URL+"/things", nil)
	require.NoError(t, err)

	resp, err := f.manager.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, 2, calls)

	// Unrecoverable 401 is also a session loss.
	require.False(t, f.manager.IsAuthenticated())
	require.Len(t, f.sink.expiredSeen(), 1)
}

func TestDoPropagatesFailedRefresh(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	accessToken := f.manager.AccessToken()

	f.backend.mu.Lock()
	f.backend.refreshStatuses = []int{http.StatusServiceUnavailable}
	f.backend.mu.Unlock()

	resource := newResourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	req, err := http.NewRequest(http.MethodGet, resource.URL+"/things", nil)
	require.NoError(t, err)

	_, err = f.manager.Do(req)
	require.Error(t, err)
	require.True(t, authapi.IsTransient(err))

	// Transient refresh failure must leave credentials alone.
	require.Equal(t, accessToken, f.manager.AccessToken())
	require.Empty(t, f.sink.expiredSeen())
}

func TestDoStoresRotatedTokenHeader(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	rotated := f.backend.mintToken(2 * time.Hour)
	resource := newResourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(session.RotatedTokenHeader, rotated)
		fmt.Fprint(w, "ok")
	})

	req, err := http.NewRequest(http.MethodGet, resource.URL+"/things", nil)
	require.NoError(t, err)

	resp, err := f.manager.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, rotated, f.manager.AccessToken())

	_, refreshes, _ := f.backend.counts()
	require.Zero(t, refreshes)
}

func TestDoWithRequestBodyRetry(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	var bodies []string
	var calls int
	resource := newResourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "ok")
	})

	req, err := http.NewRequest(http.MethodPost, resource.URL+"/things", bytes.NewBufferString(`{"name":"thing"}`))
	require.NoError(t, err)

	resp, err := f.manager.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{`{"name":"thing"}`, `{"name":"thing"}`}, bodies)
}
