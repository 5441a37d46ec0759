package sessionx

import (
	"context"
	"sync"
	"time"

	"github.com/sshmux/sshmux/internal/sshauth"
)

// bridge implements sshauth.PromptBridge by relaying each keyboard-
// interactive prompt as a connection_log event to the browser and
// resolving it from the matching totp_response/password_response inbound
// message, via a single-slot rendezvous cell per outstanding prompt
// (sshauth.NewCell). WarpgateContinue prompts never reach here — the
// engine auto-answers those itself, per spec §4.5.
type bridge struct {
	session *Session

	mu        sync.Mutex
	responder func(string)
}

func newBridge(s *Session) *bridge { return &bridge{session: s} }

// AskPrompt implements sshauth.PromptBridge.
func (b *bridge) AskPrompt(ctx context.Context, kind sshauth.PromptKind, text string, echo bool) func(context.Context, time.Duration) (string, error) {
	responder, wait := sshauth.NewCell()

	b.mu.Lock()
	b.responder = responder
	b.mu.Unlock()

	b.session.setState(StateAwaitingPrompt)
	b.session.logStage("auth", "info", promptMessage(kind, text))

	return func(ctx context.Context, deadline time.Duration) (string, error) {
		answer, err := wait(ctx, deadline)
		b.session.setState(StateAuthenticating)
		return answer, err
	}
}

// resolve delivers the browser's response to the single outstanding
// prompt, if any. A response with no outstanding prompt is a no-op.
func (b *bridge) resolve(answer string) {
	b.mu.Lock()
	r := b.responder
	b.mu.Unlock()
	if r != nil {
		r(answer)
	}
}

func promptMessage(kind sshauth.PromptKind, text string) string {
	switch kind {
	case sshauth.TOTP:
		return "TOTP required"
	case sshauth.Password:
		return "password required"
	default:
		return text
	}
}
