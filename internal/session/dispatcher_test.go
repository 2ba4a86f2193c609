package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mnemon/internal/conversation"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// funcProcessor adapts a function to Processor.
type funcProcessor func(ctx context.Context, state conversation.State, input string) (conversation.State, string, error)

func (f funcProcessor) Process(ctx context.Context, state conversation.State, input string) (conversation.State, string, error) {
	return f(ctx, state, input)
}

// echo unlocks on "open" and otherwise echoes the input.
var echo = funcProcessor(func(_ context.Context, state conversation.State, input string) (conversation.State, string, error) {
	if input == "open" {
		return conversation.Pending{}, "unlocked", nil
	}
	return state, "echo: " + input, nil
})

type fakeRecorder struct {
	mu       sync.Mutex
	turns    int
	errors   int
	sessions int
	queued   int
}

func (r *fakeRecorder) ObserveTurn(_ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns++
	if err != nil {
		r.errors++
	}
}

func (r *fakeRecorder) SetSessions(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = n
}

func (r *fakeRecorder) AddQueued(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued += delta
}

func TestHandle_ReplyAndState(t *testing.T) {
	d := New(Config{Processor: echo, Logger: quietLogger()})
	ctx := context.Background()

	if _, ok := d.State("alice").(conversation.AwaitingPassword); !ok {
		t.Fatalf("unknown session state = %s", conversation.Describe(d.State("alice")))
	}

	reply, err := d.Handle(ctx, "alice", "open")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "unlocked" {
		t.Errorf("reply = %q", reply)
	}
	if _, ok := d.State("alice").(conversation.Pending); !ok {
		t.Errorf("state = %s, want pending", conversation.Describe(d.State("alice")))
	}
	if _, ok := d.State("bob").(conversation.AwaitingPassword); !ok {
		t.Error("sessions must not share state")
	}
	if d.Len() != 1 {
		t.Errorf("Len = %d, want 1", d.Len())
	}
}

func TestHandle_EmptyTextNotUnderstood(t *testing.T) {
	called := false
	proc := funcProcessor(func(_ context.Context, s conversation.State, _ string) (conversation.State, string, error) {
		called = true
		return s, "", nil
	})
	d := New(Config{Processor: proc, Logger: quietLogger()})

	reply, err := d.Handle(context.Background(), "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if reply != conversation.MsgNotUnderstood {
		t.Errorf("reply = %q", reply)
	}
	if called {
		t.Error("state machine must not see a message without text")
	}
}

func TestHandle_ErrorLeavesStateAndRenders(t *testing.T) {
	proc := funcProcessor(func(_ context.Context, s conversation.State, input string) (conversation.State, string, error) {
		if input == "boom" {
			return conversation.Pending{}, "", errors.New("qdrant unreachable")
		}
		return conversation.ConfirmCommand{Command: "ls"}, "Run?", nil
	})
	rec := &fakeRecorder{}
	d := New(Config{Processor: proc, Recorder: rec, Logger: quietLogger()})
	ctx := context.Background()

	if _, err := d.Handle(ctx, "alice", "list"); err != nil {
		t.Fatal(err)
	}
	reply, err := d.Handle(ctx, "alice", "boom")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Sorry, something went wrong: qdrant unreachable" {
		t.Errorf("reply = %q", reply)
	}
	if cc, ok := d.State("alice").(conversation.ConfirmCommand); !ok || cc.Command != "ls" {
		t.Errorf("state = %s, want unchanged confirm_command", conversation.Describe(d.State("alice")))
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.turns != 2 || rec.errors != 1 || rec.sessions != 1 || rec.queued != 0 {
		t.Errorf("recorder = %+v", rec)
	}
}

func TestHandle_PanicLeavesStateAndRenders(t *testing.T) {
	proc := funcProcessor(func(_ context.Context, s conversation.State, input string) (conversation.State, string, error) {
		switch input {
		case "crash":
			var m map[string]int
			m["x"]++ // nil map write
			return conversation.Pending{}, "unreachable", nil
		case "list":
			return conversation.ConfirmCommand{Command: "ls"}, "Run?", nil
		}
		return s, "still here: " + input, nil
	})
	rec := &fakeRecorder{}
	d := New(Config{Processor: proc, Recorder: rec, Logger: quietLogger()})
	ctx := context.Background()

	if _, err := d.Handle(ctx, "alice", "list"); err != nil {
		t.Fatal(err)
	}
	reply, err := d.Handle(ctx, "alice", "crash")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply, "Sorry, something went wrong: turn panicked:") {
		t.Errorf("reply = %q", reply)
	}
	if cc, ok := d.State("alice").(conversation.ConfirmCommand); !ok || cc.Command != "ls" {
		t.Errorf("state = %s, want unchanged confirm_command", conversation.Describe(d.State("alice")))
	}

	// The session keeps working after the panic.
	reply, err = d.Handle(ctx, "alice", "after")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "still here: after" {
		t.Errorf("reply after panic = %q", reply)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.turns != 3 || rec.errors != 1 {
		t.Errorf("recorder = %+v", rec)
	}
}

func TestSubmit_FIFOWithinSession(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	proc := funcProcessor(func(_ context.Context, s conversation.State, input string) (conversation.State, string, error) {
		mu.Lock()
		seen = append(seen, input)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return s, input, nil
	})
	d := New(Config{Processor: proc, Logger: quietLogger()})

	const n = 25
	var (
		wg      sync.WaitGroup
		replyMu sync.Mutex
		replies []string
	)
	wg.Add(n)
	for i := range n {
		err := d.Submit("alice", fmt.Sprintf("m%02d", i), func(r string) {
			replyMu.Lock()
			replies = append(replies, r)
			replyMu.Unlock()
			wg.Done()
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	for i := range n {
		want := fmt.Sprintf("m%02d", i)
		if seen[i] != want || replies[i] != want {
			t.Fatalf("position %d: processed %q replied %q, want %q", i, seen[i], replies[i], want)
		}
	}
}

func TestSubmit_SessionsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	proc := funcProcessor(func(_ context.Context, s conversation.State, input string) (conversation.State, string, error) {
		if input == "slow" {
			<-release
		}
		return s, input, nil
	})
	d := New(Config{Processor: proc, Logger: quietLogger()})

	slowDone := make(chan string, 1)
	if err := d.Submit("alice", "slow", func(r string) { slowDone <- r }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := d.Handle(ctx, "bob", "fast")
	if err != nil {
		t.Fatalf("bob blocked behind alice: %v", err)
	}
	if reply != "fast" {
		t.Errorf("reply = %q", reply)
	}

	select {
	case <-slowDone:
		t.Fatal("alice's turn finished before release")
	default:
	}
	close(release)
	if r := <-slowDone; r != "slow" {
		t.Errorf("alice reply = %q", r)
	}
}

func TestSubmit_QueueBehindSlowTurn(t *testing.T) {
	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)
	proc := funcProcessor(func(_ context.Context, s conversation.State, input string) (conversation.State, string, error) {
		if input == "first" {
			calls.Done()
			<-release
			return conversation.Pending{}, "1", nil
		}
		// The second turn must see the state the first produced.
		return s, s.Name(), nil
	})
	d := New(Config{Processor: proc, Logger: quietLogger()})

	replies := make(chan string, 2)
	d.Submit("alice", "first", func(r string) { replies <- r })
	calls.Wait()
	d.Submit("alice", "second", func(r string) { replies <- r })
	close(release)

	if r := <-replies; r != "1" {
		t.Errorf("first reply = %q", r)
	}
	if r := <-replies; r != "pending" {
		t.Errorf("second turn saw state %q, want pending", r)
	}
}

func TestHandle_ContextEndsFirst(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	proc := funcProcessor(func(_ context.Context, s conversation.State, _ string) (conversation.State, string, error) {
		<-release
		return s, "late", nil
	})
	d := New(Config{Processor: proc, Logger: quietLogger()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Handle(ctx, "alice", "hi"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestTurnTimeout(t *testing.T) {
	proc := funcProcessor(func(ctx context.Context, s conversation.State, _ string) (conversation.State, string, error) {
		<-ctx.Done()
		return s, "", ctx.Err()
	})
	d := New(Config{Processor: proc, TurnTimeout: 20 * time.Millisecond, Logger: quietLogger()})

	reply, err := d.Handle(context.Background(), "alice", "hang")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "deadline exceeded") {
		t.Errorf("reply = %q", reply)
	}
}

func TestShutdown_DrainsQueue(t *testing.T) {
	d := New(Config{Processor: echo, Logger: quietLogger()})

	var (
		mu    sync.Mutex
		count int
	)
	for i := range 5 {
		d.Submit("alice", fmt.Sprint(i), func(string) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Errorf("delivered %d replies before shutdown returned, want 5", count)
	}

	if err := d.Submit("alice", "late", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Shutdown = %v, want ErrClosed", err)
	}
}

func TestShutdown_CancelsInFlight(t *testing.T) {
	proc := funcProcessor(func(ctx context.Context, s conversation.State, _ string) (conversation.State, string, error) {
		<-ctx.Done()
		return s, "", ctx.Err()
	})
	d := New(Config{Processor: proc, TurnTimeout: time.Hour, Logger: quietLogger()})

	replied := make(chan string, 1)
	d.Submit("alice", "hang", func(r string) { replied <- r })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v", err)
	}
	if r := <-replied; !strings.Contains(r, "context canceled") {
		t.Errorf("in-flight reply = %q", r)
	}
}

func TestRenderError(t *testing.T) {
	err := fmt.Errorf("completion: %w", errors.New("HTTP 503"))
	if got := RenderError(err); got != "Sorry, something went wrong: completion: HTTP 503" {
		t.Errorf("RenderError = %q", got)
	}
}
