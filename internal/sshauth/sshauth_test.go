package sshauth

import (
	"context"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		echo bool
		want PromptKind
	}{
		{"Verification code:", false, TOTP},
		{"One-Time Password:", false, TOTP},
		{"Password:", false, Password},
		{"Passphrase for key:", false, Password},
		{"Press Enter to continue", true, WarpgateContinue},
		{"Press Enter to continue", false, Generic}, // echo=false disqualifies
		{"Anything else:", false, Generic},
	}
	for _, c := range cases {
		got := Classify(c.text, c.echo)
		if got != c.want {
			t.Errorf("Classify(%q, %v) = %v, want %v", c.text, c.echo, got, c.want)
		}
	}
}

func TestCellResolveThenAwait(t *testing.T) {
	c := newCell()
	c.Resolve("hello")
	got, err := c.Await(context.Background(), time.Second)
	if err != nil || got != "hello" {
		t.Fatalf("got %q err=%v", got, err)
	}
}

func TestCellAwaitTimeout(t *testing.T) {
	c := newCell()
	_, err := c.Await(context.Background(), 10*time.Millisecond)
	if err != ErrAuthTimeout {
		t.Fatalf("want ErrAuthTimeout, got %v", err)
	}
}

func TestCellDoubleResolveDropsSilently(t *testing.T) {
	old := PanicOnDoubleResolve
	PanicOnDoubleResolve = false
	defer func() { PanicOnDoubleResolve = old }()

	c := newCell()
	c.Resolve("first")
	c.Resolve("second") // must not panic, must not block
	got, _ := c.Await(context.Background(), time.Second)
	if got != "first" {
		t.Fatalf("want first resolve to win, got %q", got)
	}
}

func TestCellDoubleResolvePanicsWhenEnabled(t *testing.T) {
	old := PanicOnDoubleResolve
	PanicOnDoubleResolve = true
	defer func() { PanicOnDoubleResolve = old }()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on double resolve")
		}
	}()
	c := newCell()
	c.Resolve("first")
	c.Resolve("second")
}

type fakeBridge struct {
	waitFn func(context.Context, time.Duration) (string, error)
}

func (f fakeBridge) AskPrompt(_ context.Context, _ PromptKind, _ string, _ bool) func(context.Context, time.Duration) (string, error) {
	return f.waitFn
}

func TestEngineZeroPromptsFinishesImmediately(t *testing.T) {
	e := NewEngine(fakeBridge{})
	challenge := e.KeyboardInteractive(context.Background())
	answers, err := challenge("", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(answers) != 0 {
		t.Fatalf("want no answers, got %v", answers)
	}
}

func TestEngineSinglePromptRoundTrips(t *testing.T) {
	e := NewEngine(fakeBridge{waitFn: func(context.Context, time.Duration) (string, error) {
		return "123456", nil
	}})
	challenge := e.KeyboardInteractive(context.Background())
	answers, err := challenge("", "", []string{"Verification code:"}, []bool{false})
	if err != nil {
		t.Fatal(err)
	}
	if len(answers) != 1 || answers[0] != "123456" {
		t.Fatalf("got %v", answers)
	}
	if !e.Responded() {
		t.Fatal("expected Responded() true after a resolved prompt")
	}
}
