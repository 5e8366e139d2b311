package session

import "github.com/rs/zerolog"

// NotificationSink receives the two user-visible session events. The UI
// layer supplies its own implementation; the default sink only logs.
type NotificationSink interface {
	// SessionExpiring fires once per distinct remaining-minutes value while
	// the access token is inside the warning band.
	SessionExpiring(minutesLeft int)

	// SessionExpired fires when the session is irrecoverably lost.
	SessionExpired(reason string)
}

type logSink struct {
	log zerolog.Logger
}

func (s logSink) SessionExpiring(minutesLeft int) {
	s.log.Warn().Int("minutes_left", minutesLeft).Msg("session expiring")
}

func (s logSink) SessionExpired(reason string) {
	s.log.Warn().Str("reason", reason).Msg("session expired")
}
