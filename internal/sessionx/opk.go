package sessionx

import (
	"context"
	"fmt"
	"time"

	"github.com/sshmux/sshmux/internal/opkssh"
	"github.com/sshmux/sshmux/internal/wsproto"
)

// startOPK begins an OpenPubKey authentication flow for hostID, per spec
// §4.6, wiring a opkStatusSink that translates Status/terminal callbacks
// into the typed opkssh_* wsproto frames.
func (s *Session) startOPK(ctx context.Context, hostID string) {
	if s.deps.OPK == nil {
		s.emit(wsproto.OPKConfigError("opkssh is not configured", ""))
		return
	}

	configPath, err := opkConfigPath(s.UserID)
	if err != nil {
		s.emit(wsproto.OPKConfigError(err.Error(), ""))
		return
	}
	if err := validateOPKConfig(configPath); err != nil {
		s.emit(wsproto.OPKConfigError(err.Error(), fmt.Sprintf("review %s", configPath)))
		return
	}

	sink := &opkStatusSink{session: s, origin: s.deps.OPK.Origin}
	auth, err := s.deps.OPK.StartAuth(ctx, s.UserID, hostID, configPath, sink)
	if err != nil {
		s.emit(wsproto.OPKError("", err.Error()))
		return
	}
	s.mu.Lock()
	s.opkAuth = auth
	s.mu.Unlock()
}

// opkStatusSink adapts a Session to opkssh.StatusSink.
type opkStatusSink struct {
	session *Session
	origin  string
}

func (sink *opkStatusSink) Origin() string { return sink.origin }

func (sink *opkStatusSink) OnStatus(st opkssh.Status) {
	sink.session.emit(wsproto.OPKStatus(st.Stage, st.URL, st.LocalURL, st.Message))
}

func (sink *opkStatusSink) OnConfigError(configPath string, err error) {
	sink.session.emit(wsproto.OPKConfigError(err.Error(), fmt.Sprintf("review %s", configPath)))
}

func (sink *opkStatusSink) OnCompleted(requestID string, expiresAt time.Time) {
	sink.session.emit(wsproto.OPKCompleted(requestID, expiresAt.Format(time.RFC3339)))
	sink.session.logActivityType("opkssh_authentication")
}

func (sink *opkStatusSink) OnTimeout(requestID string) {
	sink.session.emit(wsproto.OPKTimeout(requestID))
}

func (sink *opkStatusSink) OnError(requestID string, err error) {
	sink.session.emit(wsproto.OPKError(requestID, err.Error()))
}
