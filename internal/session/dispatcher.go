// Package session delivers chat messages to the conversation state
// machine. Each session has its own queue and at most one worker
// goroutine: turns within a session run one at a time in arrival
// order, while different sessions proceed concurrently. Session state
// lives only in memory and is lost on restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mnemon/internal/conversation"
)

// DefaultTurnTimeout bounds a turn when the dispatcher is built with a
// zero timeout.
const DefaultTurnTimeout = 5 * time.Minute

// ErrClosed is returned by Submit after Shutdown has begun.
var ErrClosed = errors.New("session dispatcher closed")

// Processor computes one turn. *conversation.Machine implements it.
type Processor interface {
	Process(ctx context.Context, state conversation.State, input string) (conversation.State, string, error)
}

// Recorder receives dispatcher measurements. *metrics.Metrics
// implements it.
type Recorder interface {
	ObserveTurn(state string, d time.Duration, err error)
	SetSessions(n int)
	AddQueued(delta int)
}

// ReplyFunc delivers a reply to the session's chat. It is called from
// the session's worker goroutine, so replies for one session are
// delivered in order.
type ReplyFunc func(text string)

// Config holds the dependencies for a Dispatcher.
type Config struct {
	Processor   Processor
	TurnTimeout time.Duration
	Recorder    Recorder // optional
	Logger      *slog.Logger
}

type job struct {
	text   string
	reply  ReplyFunc
	queued time.Time
}

// session is one chat's actor: a FIFO queue, the current dialog state
// and whether a worker is draining the queue.
type session struct {
	id      string
	state   conversation.State
	queue   []job
	running bool
}

// Dispatcher routes inbound messages to per-session workers.
type Dispatcher struct {
	proc     Processor
	timeout  time.Duration
	recorder Recorder
	logger   *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Dispatcher. Turns run under a context that is only
// cancelled by Shutdown.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.TurnTimeout
	if timeout <= 0 {
		timeout = DefaultTurnTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		proc:     cfg.Processor,
		timeout:  timeout,
		recorder: cfg.Recorder,
		logger:   logger,
		base:     base,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Submit queues text for sessionID and returns immediately. reply is
// called exactly once with the turn's output. An empty text is answered
// with a fixed message without consulting the state machine.
func (d *Dispatcher) Submit(sessionID, text string, reply ReplyFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	s, ok := d.sessions[sessionID]
	if !ok {
		s = &session{id: sessionID, state: conversation.Initial()}
		d.sessions[sessionID] = s
		d.logger.Info("session created", "session", sessionID)
		if d.recorder != nil {
			d.recorder.SetSessions(len(d.sessions))
		}
	}

	s.queue = append(s.queue, job{text: text, reply: reply, queued: time.Now()})
	if d.recorder != nil {
		d.recorder.AddQueued(1)
	}

	if !s.running {
		s.running = true
		d.wg.Add(1)
		go d.work(s)
	}
	return nil
}

// Handle submits text and waits for the reply. It returns ctx.Err() if
// ctx ends first; the turn still runs to completion in that case.
func (d *Dispatcher) Handle(ctx context.Context, sessionID, text string) (string, error) {
	ch := make(chan string, 1)
	if err := d.Submit(sessionID, text, func(r string) { ch <- r }); err != nil {
		return "", err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// work drains s's queue and exits when it is empty. Only one work
// goroutine exists per session at a time.
func (d *Dispatcher) work(s *session) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			d.mu.Unlock()
			return
		}
		j := s.queue[0]
		s.queue[0] = job{}
		s.queue = s.queue[1:]
		state := s.state
		d.mu.Unlock()

		if d.recorder != nil {
			d.recorder.AddQueued(-1)
		}

		next, reply := d.turn(s.id, state, j)

		d.mu.Lock()
		s.state = next
		d.mu.Unlock()

		if j.reply != nil {
			j.reply(reply)
		}
	}
}

// turn runs one message through the processor. Errors are rendered
// into the reply and the state is left as it was.
func (d *Dispatcher) turn(sessionID string, state conversation.State, j job) (conversation.State, string) {
	if j.text == "" {
		return state, conversation.MsgNotUnderstood
	}

	turnID := newTurnID()
	logger := d.logger.With("session", sessionID, "turn_id", turnID)
	logger.Debug("turn started",
		"state", conversation.Describe(state),
		"queued_for", time.Since(j.queued).Round(time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(d.base, d.timeout)
	defer cancel()

	start := time.Now()
	next, reply, err := d.process(ctx, state, j.text)
	elapsed := time.Since(start)

	if d.recorder != nil {
		d.recorder.ObserveTurn(state.Name(), elapsed, err)
	}

	if err != nil {
		logger.Error("turn failed",
			"state", conversation.Describe(state),
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
		return state, RenderError(err)
	}

	logger.Info("turn completed",
		"state", state.Name(),
		"next", next.Name(),
		"elapsed", elapsed.Round(time.Millisecond),
		"reply_len", len(reply),
	)
	return next, reply
}

// process calls the processor, turning a panic into an error so one
// bad turn cannot take down the worker or the process.
func (d *Dispatcher) process(ctx context.Context, state conversation.State, input string) (next conversation.State, reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, reply = state, ""
			err = fmt.Errorf("turn panicked: %v", r)
		}
	}()
	return d.proc.Process(ctx, state, input)
}

// RenderError is the chat text for a failed turn.
func RenderError(err error) string {
	return fmt.Sprintf("Sorry, something went wrong: %v", err)
}

func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// State returns the current state of sessionID. Unknown sessions are
// in the initial state.
func (d *Dispatcher) State(sessionID string) conversation.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[sessionID]; ok {
		return s.state
	}
	return conversation.Initial()
}

// Len returns the number of sessions seen since startup.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Shutdown stops accepting messages and waits for queued turns to
// finish. If ctx ends first, in-flight turns are cancelled and
// ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
