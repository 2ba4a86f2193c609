// Package conversation is the per-session dialog: a state machine that
// gates a session behind a shared secret, routes each message by its
// classified intent, and runs the two confirmation dialogs for
// forgetting a fact and running a shell command.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nugget/mnemon/internal/intent"
	"github.com/nugget/mnemon/internal/memory"
	"github.com/nugget/mnemon/internal/prompts"
	"github.com/nugget/mnemon/internal/shell"
)

// Conditions passed to the yes/no oracle.
const forgetCondition = "consent"

// Oracle makes the decisions that need the completion service. It is
// satisfied by *intent.Classifier.
type Oracle interface {
	Classify(ctx context.Context, message string) (intent.Intent, error)
	ExtractKeywords(ctx context.Context, message string) (string, error)
	ProposeCommand(ctx context.Context, description string) (string, error)
	IsAffirmative(ctx context.Context, message, condition string) (bool, error)
	ClassifyReply(ctx context.Context, command, reply string) (intent.Reply, error)
}

// Completer generates free text. It is satisfied by llm.Client.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Memory is the part of *memory.Store the dialog uses.
type Memory interface {
	Remember(ctx context.Context, text string) (int32, error)
	Delete(ctx context.Context, id int32) error
	SearchOne(ctx context.Context, query string) (memory.Document, error)
	SearchSmart(ctx context.Context, query string) ([]memory.Document, error)
}

// Runner executes a confirmed command. It is satisfied by *shell.Executor.
type Runner interface {
	Run(ctx context.Context, command string) (shell.Result, error)
}

// Observer is told about routing decisions. It may be nil.
type Observer interface {
	ObserveIntent(in intent.Intent)
	ObserveReply(r intent.Reply)
}

// Machine computes (state, input) -> (state, output). It holds no
// per-session data and is safe for concurrent use.
type Machine struct {
	secret   *Secret
	oracle   Oracle
	llm      Completer
	memory   Memory
	runner   Runner
	observer Observer
	logger   *slog.Logger
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Secret   *Secret
	Oracle   Oracle
	LLM      Completer
	Memory   Memory
	Runner   Runner
	Observer Observer
	Logger   *slog.Logger
}

// New creates a Machine.
func New(d Deps) *Machine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Machine{
		secret:   d.Secret,
		oracle:   d.Oracle,
		llm:      d.LLM,
		memory:   d.Memory,
		runner:   d.Runner,
		observer: d.Observer,
		logger:   d.Logger,
	}
}

// Process handles one turn. On error the returned state is the input
// state, so a failed turn never advances or corrupts the session, and
// the reply is empty; rendering the error is the caller's job.
func (m *Machine) Process(ctx context.Context, state State, input string) (State, string, error) {
	var (
		next  State
		reply string
		err   error
	)
	switch st := state.(type) {
	case AwaitingPassword:
		next, reply = m.checkPassword(input)
	case Pending:
		next, reply, err = m.route(ctx, input)
	case ConfirmForget:
		next, reply, err = m.confirmForget(ctx, st, input)
	case ConfirmCommand:
		next, reply, err = m.confirmCommand(ctx, st, input)
	default:
		// An unknown or nil state is treated as a fresh session.
		next, reply = m.checkPassword(input)
	}
	if err != nil {
		return state, "", err
	}
	return next, reply, nil
}

func (m *Machine) checkPassword(input string) (State, string) {
	if m.secret != nil && m.secret.Matches(strings.TrimSpace(input)) {
		m.logger.Info("session unlocked")
		return Pending{}, MsgPasswordAccepted
	}
	m.logger.Warn("incorrect password")
	return AwaitingPassword{}, MsgPasswordRejected
}

func (m *Machine) route(ctx context.Context, message string) (State, string, error) {
	in, err := m.oracle.Classify(ctx, message)
	if err != nil {
		return nil, "", err
	}
	if m.observer != nil {
		m.observer.ObserveIntent(in)
	}
	m.logger.Debug("routing message", "intent", in)

	switch in {
	case intent.Question:
		return m.answer(ctx, message)
	case intent.Fact:
		return m.remember(ctx, message)
	case intent.ForgetRequest:
		return m.proposeForget(ctx, message)
	case intent.CommandRequest:
		return m.proposeCommand(ctx, message)
	default:
		return m.chat(ctx, message)
	}
}

func (m *Machine) answer(ctx context.Context, question string) (State, string, error) {
	keywords, err := m.oracle.ExtractKeywords(ctx, question)
	if err != nil {
		return nil, "", err
	}
	docs, err := m.memory.SearchSmart(ctx, keywords)
	if err != nil {
		return nil, "", err
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
		m.logger.Debug("grounding document", "id", d.ID, "score", d.Score)
	}

	reply, err := m.llm.Complete(ctx, prompts.AnswerSystem, prompts.Grounded(texts, question))
	if err != nil {
		return nil, "", err
	}
	return Pending{}, reply, nil
}

func (m *Machine) remember(ctx context.Context, message string) (State, string, error) {
	id, err := m.memory.Remember(ctx, message)
	if err != nil {
		return nil, "", err
	}
	m.logger.Info("fact stored", "id", id)
	return Pending{}, MsgFactSaved, nil
}

func (m *Machine) proposeForget(ctx context.Context, message string) (State, string, error) {
	keywords, err := m.oracle.ExtractKeywords(ctx, message)
	if err != nil {
		return nil, "", err
	}
	doc, err := m.memory.SearchOne(ctx, keywords)
	if errors.Is(err, memory.ErrNotFound) {
		return Pending{}, MsgNothingToForget, nil
	}
	if err != nil {
		return nil, "", err
	}
	return ConfirmForget{ID: doc.ID, Info: doc.Text}, forgetPrompt(doc.Text), nil
}

func (m *Machine) confirmForget(ctx context.Context, st ConfirmForget, reply string) (State, string, error) {
	ok, err := m.oracle.IsAffirmative(ctx, reply, forgetCondition)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return Pending{}, MsgNotForgotten, nil
	}
	if err := m.memory.Delete(ctx, st.ID); err != nil {
		return nil, "", err
	}
	m.logger.Info("fact forgotten", "id", st.ID)
	return Pending{}, MsgForgotten, nil
}

func (m *Machine) proposeCommand(ctx context.Context, description string) (State, string, error) {
	command, err := m.oracle.ProposeCommand(ctx, description)
	if err != nil {
		return nil, "", err
	}
	if command == "" {
		return Pending{}, MsgNoCommand, nil
	}
	return ConfirmCommand{Command: command, Message: description}, runPrompt(command), nil
}

func (m *Machine) confirmCommand(ctx context.Context, st ConfirmCommand, reply string) (State, string, error) {
	kind, err := m.oracle.ClassifyReply(ctx, st.Command, reply)
	if err != nil {
		return nil, "", err
	}
	if m.observer != nil {
		m.observer.ObserveReply(kind)
	}

	switch kind {
	case intent.Affirm:
		m.logger.Info("running command", "command", st.Command)
		res, err := m.runner.Run(ctx, st.Command)
		if err != nil {
			// A spawn failure is reported to the user, not to the caller.
			m.logger.Warn("command failed to start", "command", st.Command, "error", err)
			return Pending{}, spawnFailed(err), nil
		}
		m.logger.Debug("command finished", "elapsed", res.Elapsed, "timed_out", res.TimedOut)
		return Pending{}, res.Format(), nil
	case intent.Refine:
		return m.proposeCommand(ctx, st.Message+"\n"+reply)
	default:
		return Pending{}, MsgCommandCancelled, nil
	}
}

func (m *Machine) chat(ctx context.Context, message string) (State, string, error) {
	reply, err := m.llm.Complete(ctx, prompts.ChatSystem, message)
	if err != nil {
		return nil, "", err
	}
	return Pending{}, reply, nil
}
