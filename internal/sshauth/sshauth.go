// Package sshauth drives SSH authentication: auth-method selection per
// spec §4.5, keyboard-interactive prompt classification, and a single-slot
// rendezvous cell used to round-trip each prompt to the browser.
package sshauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sshmux/sshmux/internal/contracts"
)

// PromptKind classifies a single keyboard-interactive question.
type PromptKind string

const (
	TOTP             PromptKind = "TOTP"
	Password         PromptKind = "Password"
	WarpgateContinue PromptKind = "WarpgateContinue"
	Generic          PromptKind = "Generic"
)

// Deadline returns the per-kind response deadline from spec §4.5.
func (k PromptKind) Deadline() time.Duration {
	switch k {
	case TOTP, Password, Generic:
		return 60 * time.Second
	case WarpgateContinue:
		return 10 * time.Second
	default:
		return 60 * time.Second
	}
}

// Classify assigns a PromptKind to a single keyboard-interactive question,
// case-insensitively, per spec §4.5.
func Classify(text string, echo bool) PromptKind {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "token", "otp", "one-time", "verification", "2fa", "two-factor"):
		return TOTP
	case containsAny(lower, "password", "passphrase"):
		return Password
	case echo && containsAny(lower, "press enter", "continue"):
		return WarpgateContinue
	default:
		return Generic
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ErrAuthTimeout is returned when a prompt's deadline elapses unanswered.
var ErrAuthTimeout = errors.New("sshauth: prompt timed out")

// ErrDoubleResolve indicates a cell was resolved more than once: a
// programming error, per spec §3's Prompt invariant. Resolve panics with it
// when PanicOnDoubleResolve is set and silently drops the second answer
// otherwise — see cell.Resolve.
var ErrDoubleResolve = errors.New("sshauth: prompt resolved twice")

// cell is a single-slot rendezvous: exactly one producer (the browser's
// response) and one consumer (the keyboard-interactive callback), replacing
// the teacher's promise-resolver-stored-in-session-state idiom per spec §9.
type cell struct {
	once sync.Once
	ch   chan string
}

func newCell() *cell {
	return &cell{ch: make(chan string, 1)}
}

// Resolve delivers the browser's answer. A second call is a no-op in
// production (the spec calls for "drop silently"); PanicOnDoubleResolve
// flips that to a panic for test harnesses that want to catch the bug
// class at the source.
var PanicOnDoubleResolve = false

func (c *cell) Resolve(answer string) {
	resolved := true
	c.once.Do(func() {
		resolved = false
		c.ch <- answer
	})
	if resolved && PanicOnDoubleResolve {
		panic(ErrDoubleResolve)
	}
}

// Await blocks until Resolve is called, ctx is cancelled, or deadline
// elapses. A response delivered after the deadline has already fired is
// discarded by the caller (the channel read never happens again).
func (c *cell) Await(ctx context.Context, deadline time.Duration) (string, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case answer := <-c.ch:
		return answer, nil
	case <-timer.C:
		return "", ErrAuthTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// PromptBridge is how the engine asks the browser a question. The bridge
// emits the typed prompt event and keeps the cell's responder to call when
// the matching WS response arrives; it hands back only the wait function,
// so the engine never sees — and cannot double-hold — the resolver side.
type PromptBridge interface {
	AskPrompt(ctx context.Context, kind PromptKind, text string, echo bool) (wait func(context.Context, time.Duration) (string, error))
}

// Engine drives keyboard-interactive auth for one connection attempt.
type Engine struct {
	Bridge PromptBridge

	mu        sync.Mutex
	responded bool // true while a prompt is outstanding-but-answered, per spec §4.5
}

// NewEngine constructs an Engine bound to bridge.
func NewEngine(bridge PromptBridge) *Engine {
	return &Engine{Bridge: bridge}
}

// Responded reports whether the most recent prompt round has already been
// answered.
func (e *Engine) Responded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responded
}

// KeyboardInteractive implements ssh.KeyboardInteractiveChallenge, routing
// each question through the bridge and blocking for a classified deadline.
func (e *Engine) KeyboardInteractive(ctx context.Context) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		if len(questions) == 0 {
			// spec §8 boundary: zero prompts finishes immediately.
			return nil, nil
		}
		answers := make([]string, len(questions))
		for i, q := range questions {
			echo := i < len(echos) && echos[i]
			kind := Classify(q, echo)

			e.mu.Lock()
			e.responded = false
			e.mu.Unlock()

			if kind == WarpgateContinue {
				// spec §4.5: auto-answer with an empty response once
				// WarpgateContinue's deadline has passed; the browser is not
				// asked.
				select {
				case <-time.After(kind.Deadline()):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				answers[i] = ""
				e.mu.Lock()
				e.responded = true
				e.mu.Unlock()
				continue
			}

			wait := e.Bridge.AskPrompt(ctx, kind, q, echo)
			answer, err := wait(ctx, kind.Deadline())
			if err != nil {
				return nil, fmt.Errorf("sshauth: %s prompt: %w", kind, err)
			}
			answers[i] = answer

			e.mu.Lock()
			e.responded = true
			e.mu.Unlock()
		}
		return answers, nil
	}
}

// ErrOPKTokenRequired signals that authType=opkssh has no usable token yet;
// the caller must emit opkssh_auth_required and stop, per spec §4.5.
var ErrOPKTokenRequired = errors.New("sshauth: opkssh token required")

// ErrUnsupportedAuthType is returned for an AuthType this engine can't
// build a direct ssh.AuthMethod for. "none" is not one of them:
// DirectAuthMethod returns (nil, nil) for it.
var ErrUnsupportedAuthType = errors.New("sshauth: unsupported auth type")

// DirectAuthMethod builds the non-interactive ssh.AuthMethod for spec's
// password/key/opkssh branches. authType=none returns (nil, nil): the
// caller is expected to rely solely on keyboard-interactive.
func DirectAuthMethod(spec contracts.HostSpec, cred contracts.Credential, opkToken *contracts.OPKToken) (ssh.AuthMethod, error) {
	switch spec.AuthType {
	case contracts.AuthPassword:
		return ssh.Password(cred.Password), nil
	case contracts.AuthKey:
		key := normalizeLineEndings(cred.PrivateKey)
		var signer ssh.Signer
		var err error
		if cred.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cred.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("sshauth: parse key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	case contracts.AuthOPKSSH:
		if opkToken == nil {
			return nil, ErrOPKTokenRequired
		}
		signer, err := ssh.ParsePrivateKey(opkToken.EncPrivKey)
		if err != nil {
			return nil, fmt.Errorf("sshauth: parse opkssh key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	case contracts.AuthNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAuthType, spec.AuthType)
	}
}

func normalizeLineEndings(key []byte) []byte {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '\r' && i+1 < len(key) && key[i+1] == '\n' {
			continue
		}
		out = append(out, key[i])
	}
	return out
}

// NewCell exposes cell construction to sibling packages (sessionx) that
// implement PromptBridge and need to hand a responder/wait pair to callers
// without exporting the cell type itself.
func NewCell() (responder func(string), wait func(context.Context, time.Duration) (string, error)) {
	c := newCell()
	return c.Resolve, c.Await
}
