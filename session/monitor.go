package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/rs/zerolog"
)

const (
	// DefaultMonitorInterval is the periodic tick interval.
	DefaultMonitorInterval = 2 * time.Minute

	// warningBand is the remaining lifetime below which expiring warnings
	// are emitted.
	warningBand = 5 * time.Minute

	maxTransientRetries = 3
	retryBaseDelay      = 15 * time.Second
	retryMaxDelay       = 2 * time.Minute
)

// HealthMonitor periodically inspects the remaining access-token lifetime
// and reacts: warn inside the warning band, proactively refresh inside the
// refresh margin, expire the session once the token is genuinely past its
// expiry instant. Its logic is synchronous: Tick, Pause, and Resume are
// plain calls, with a thin timer loop driving Tick when started. The host's
// runtime adapter maps visibility changes onto Pause/Resume.
type HealthMonitor struct {
	manager  *Manager
	clock    clockwork.Clock
	log      zerolog.Logger
	interval time.Duration

	mu          sync.Mutex
	paused      bool
	retryCount  int
	lastWarning *int
	retryTimer  clockwork.Timer
	cancel      context.CancelFunc
	running     bool
}

func newHealthMonitor(manager *Manager) *HealthMonitor {
	return &HealthMonitor{
		manager:  manager,
		interval: DefaultMonitorInterval,
	}
}

// Start begins monitoring: one immediate tick, then one per interval.
// Starting a running monitor is a no-op.
func (hm *HealthMonitor) Start() {
	hm.mu.Lock()
	if hm.running {
		hm.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	hm.cancel = cancel
	hm.running = true
	hm.paused = false
	hm.retryCount = 0
	hm.lastWarning = nil
	hm.mu.Unlock()

	go hm.run(ctx)
}

// Restart stops any running loop and starts a fresh one. Called after login
// so the new session is validated immediately.
func (hm *HealthMonitor) Restart() {
	hm.Stop()
	hm.Start()
}

// Stop cancels the tick loop and any pending retry timer. It does not wait
// for an in-flight refresh, and is safe to call from within a tick.
func (hm *HealthMonitor) Stop() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hm.cancel != nil {
		hm.cancel()
		hm.cancel = nil
	}
	if hm.retryTimer != nil {
		hm.retryTimer.Stop()
		hm.retryTimer = nil
	}
	hm.running = false
}

// Pause suspends ticking without cancelling an in-flight refresh. Used when
// the host's view goes hidden: no work is wasted while backgrounded.
func (hm *HealthMonitor) Pause() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.paused = true
}

// Resume unpauses and immediately re-validates token freshness.
func (hm *HealthMonitor) Resume() {
	hm.mu.Lock()
	hm.paused = false
	hm.mu.Unlock()

	hm.Tick()
}

func (hm *HealthMonitor) run(ctx context.Context) {
	hm.Tick()

	ticker := hm.clock.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			hm.Tick()
		}
	}
}

// Tick is one monitor pass. Exported so the host's runtime adapter can
// drive it from its own event sources.
func (hm *HealthMonitor) Tick() {
	hm.mu.Lock()
	if hm.paused {
		hm.mu.Unlock()
		return
	}
	hm.mu.Unlock()

	m := hm.manager

	if !m.IsAuthenticated() {
		return
	}
	if m.refreshInFlight.Load() {
		return
	}

	info, err := m.tokenInfo()
	if err != nil {
		// Only reachable with a fatal malformed-token policy.
		hm.log.Error().Err(err).Msg("held access token is malformed")
		m.expireSession("access token malformed")
		return
	}

	hm.checkWarning(info.SecondsRemaining, info.Expired)

	if info.NeedsRefresh && !info.Expired {
		hm.proactiveRefresh()
		return
	}

	// Strictly-past guard keeps clock skew from killing a live session.
	if info.Expired && info.ExpiresAt != nil && info.ExpiresAt.Before(hm.clock.Now()) {
		m.expireSession("access token expired")
	}
}

// checkWarning emits one expiring notification per distinct remaining-minutes
// value inside the warning band, and resets the dedup marker outside it.
func (hm *HealthMonitor) checkWarning(secondsRemaining int64, expired bool) {
	hm.mu.Lock()

	inBand := !expired && secondsRemaining > 0 && secondsRemaining <= int64(warningBand.Seconds())
	if !inBand {
		hm.lastWarning = nil
		hm.mu.Unlock()
		return
	}

	minutes := int(secondsRemaining / 60)
	if hm.lastWarning != nil && *hm.lastWarning == minutes {
		hm.mu.Unlock()
		return
	}
	hm.lastWarning = &minutes
	hm.mu.Unlock()

	hm.manager.notifier.SessionExpiring(minutes)
}

// proactiveRefresh refreshes silently. Hard failures are already converted
// to expiry handling inside the manager; transient failures schedule a
// bounded, backed-off retry and never touch stored credentials.
func (hm *HealthMonitor) proactiveRefresh() {
	_, err := hm.manager.RefreshAccessToken(context.Background())
	if err == nil {
		hm.mu.Lock()
		hm.retryCount = 0
		hm.mu.Unlock()
		return
	}

	if authapi.IsAuthFailure(err) || err == ErrNoRefreshToken {
		// Session expiry handling already ran; the loop stops with it.
		return
	}

	hm.scheduleRetry(err)
}

func (hm *HealthMonitor) scheduleRetry(cause error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if !hm.running {
		return
	}
	if hm.retryCount >= maxTransientRetries {
		hm.log.Warn().Err(cause).Msg("transient refresh retries exhausted, waiting for next tick")
		return
	}

	hm.retryCount++
	delay := retryBaseDelay << hm.retryCount
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}

	hm.log.Debug().Err(cause).Int("retry", hm.retryCount).Dur("delay", delay).Msg("scheduling refresh retry")

	if hm.retryTimer != nil {
		hm.retryTimer.Stop()
	}
	hm.retryTimer = hm.clock.AfterFunc(delay, hm.Tick)
}
