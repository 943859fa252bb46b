package strategy

import (
	"context"
	"errors"
	"testing"
	"time"
)

// state is the strategy shape used by the tests. An interface keeps nil
// successors honest.
type state interface {
	Type() string
	Run(ctx context.Context) (state, error)
}

type fake struct {
	name string
	err  error
	body func(ctx context.Context) (state, error)
}

func (f *fake) Type() string { return f.name }

func (f *fake) Run(ctx context.Context) (state, error) {
	if f.body != nil {
		return f.body(ctx)
	}
	return Idle[state](ctx)
}

func newRuntime(init state) *Runtime[state] {
	return New(Options[state]{
		Init: init,
		Idle: func() state { return &fake{name: "idle"} },
		Error: func(err error) state {
			return &fake{name: "error", err: err}
		},
		IsError: func(s state) (error, bool) {
			f := s.(*fake)
			return f.err, f.err != nil
		},
	})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBodyNamesSuccessor(t *testing.T) {
	init := &fake{name: "first", body: func(ctx context.Context) (state, error) {
		return &fake{name: "second"}, nil
	}}
	r := newRuntime(init)
	defer r.Stop()

	if err := r.AwaitType(testContext(t), "second"); err != nil {
		t.Fatalf("AwaitType: %v", err)
	}
	if got := r.Type(); got != "second" {
		t.Errorf("Type() = %q, want %q", got, "second")
	}
}

func TestNilSuccessorFallsBackToIdle(t *testing.T) {
	init := &fake{name: "first", body: func(ctx context.Context) (state, error) {
		return nil, nil
	}}
	r := newRuntime(init)
	defer r.Stop()

	if err := r.AwaitType(testContext(t), "idle"); err != nil {
		t.Fatalf("AwaitType: %v", err)
	}
}

func TestBodyErrorEntersErrorState(t *testing.T) {
	boom := errors.New("boom")
	init := &fake{name: "first", body: func(ctx context.Context) (state, error) {
		return nil, boom
	}}
	r := newRuntime(init)
	defer r.Stop()

	if err := r.AwaitType(testContext(t), "error"); err != nil {
		t.Fatalf("AwaitType(error): %v", err)
	}
	// Waiting for an unreachable state must fail fast with the wrapped error.
	if err := r.AwaitType(testContext(t), "never"); !errors.Is(err, boom) {
		t.Errorf("AwaitType(never) = %v, want %v", err, boom)
	}
}

func TestChangeCancelsRunningBody(t *testing.T) {
	entered := make(chan struct{})
	init := &fake{name: "first", body: func(ctx context.Context) (state, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	r := newRuntime(init)
	defer r.Stop()

	<-entered
	r.Change(&fake{name: "next"})

	// The body fails with context.Canceled, but the queued transition wins
	// over the error wrap.
	if err := r.AwaitType(testContext(t), "next"); err != nil {
		t.Fatalf("AwaitType: %v", err)
	}
}

func TestLastChangeWins(t *testing.T) {
	entered := make(chan struct{})
	init := &fake{name: "first", body: func(ctx context.Context) (state, error) {
		close(entered)
		<-ctx.Done()
		// Hold the transition until both changes are queued.
		time.Sleep(20 * time.Millisecond)
		return nil, ctx.Err()
	}}
	r := newRuntime(init)
	defer r.Stop()

	<-entered
	r.Change(&fake{name: "loser"})
	r.Change(&fake{name: "winner"})

	if err := r.AwaitType(testContext(t), "winner"); err != nil {
		t.Fatalf("AwaitType: %v", err)
	}
}

func TestChangeAgainstIdlingBody(t *testing.T) {
	r := newRuntime(&fake{name: "idle-init"})
	defer r.Stop()

	r.Change(&fake{name: "next"})
	if err := r.AwaitType(testContext(t), "next"); err != nil {
		t.Fatalf("AwaitType: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	r := newRuntime(&fake{name: "first"})
	r.Stop()
	r.Stop()

	if got := r.Type(); got != "first" {
		t.Errorf("Type() after Stop = %q, want %q", got, "first")
	}
}

func TestAwaitChangeHonorsContext(t *testing.T) {
	r := newRuntime(&fake{name: "first"})
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.AwaitChange(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AwaitChange = %v, want deadline exceeded", err)
	}
}
