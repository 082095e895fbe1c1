// Package flow drives the multi-step guided dialogues. A flow is a named
// graph of steps; each step declares the chat context it must run in, a
// prompt, and a handler that consumes the accumulated answers plus the new
// input. The engine owns session lifecycle and per-key ordering; it never
// sends messages itself, it returns them for the transport adapter to
// deliver.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"taskpilot/internal/assign"
	"taskpilot/internal/engine"
	"taskpilot/internal/session"
	"taskpilot/internal/transport"
)

// Flow names.
const (
	RegisterSkills   = "register_skills"
	UpdateSkills     = "update_skills"
	CreateProject    = "create_project"
	CreateTask       = "create_task"
	UpdateTask       = "update_task"
	TerminateProject = "terminate_project"
)

// Kind classifies the outcome of Start or Advance.
type Kind int

const (
	// Prompt means the dialogue continues and the messages carry the next
	// question.
	Prompt Kind = iota
	// Terminal means the dialogue ended, successfully or not, and the
	// session is gone.
	Terminal
	// Rejected means the event was refused without changing any state.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Prompt:
		return "prompt"
	case Terminal:
		return "terminal"
	default:
		return "rejected"
	}
}

// Result is what the caller sends back through the transport.
type Result struct {
	Kind      Kind
	Cancelled bool
	Messages  []transport.Message
}

// Next is a step handler's verdict. Exactly one of the fields below applies:
// Invalid re-prompts the same step, Reject refuses the event leaving the
// session untouched, Done ends the flow, otherwise Step names the next step.
type Next struct {
	Step     string
	Done     bool
	Invalid  string
	Reject   string
	Messages []transport.Message
}

// Step is one node of a flow graph.
type Step struct {
	ID     string
	Chat   transport.ChatKind
	Prompt func(e *Engine, s *session.Session) transport.Message
	Handle func(ctx context.Context, e *Engine, s *session.Session, ev transport.Event, input string) (Next, error)
}

// Flow is a named dialogue definition. Gate runs at Start before any session
// is created; a non-empty return is the rejection text.
type Flow struct {
	Name  string
	Entry string
	Chat  transport.ChatKind
	Gate  func(ctx context.Context, e *Engine, ev transport.Event) (string, error)
	Steps map[string]Step
}

type Engine struct {
	Core     engine.Engine
	Sessions *session.Store
	Assigner *assign.Engine
	Layout   string
	Log      *zap.Logger
	Now      func() time.Time

	flows map[string]*Flow
}

func New(core engine.Engine, sessions *session.Store, assigner *assign.Engine, layout string, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{Core: core, Sessions: sessions, Assigner: assigner, Layout: layout, Log: log}
	e.flows = map[string]*Flow{}
	for _, f := range []*Flow{
		skillsFlow(RegisterSkills),
		skillsFlow(UpdateSkills),
		createProjectFlow(),
		createTaskFlow(),
		updateTaskFlow(),
		terminateProjectFlow(),
	} {
		e.flows[f.Name] = f
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func reply(chat, text string) transport.Message {
	return transport.Message{Chat: chat, Text: text}
}

func rejected(chat, text string) Result {
	return Result{Kind: Rejected, Messages: []transport.Message{reply(chat, text)}}
}

func isCancel(ev transport.Event) bool {
	if ev.Callback != nil {
		return ev.Callback.Field == "cancel"
	}
	t := strings.TrimSpace(strings.ToLower(ev.Text))
	return t == "/cancel" || t == "cancel"
}

// inputText is the step input: the pressed button's value, or the raw text.
func inputText(ev transport.Event) string {
	if ev.Callback != nil {
		return ev.Callback.Value
	}
	return strings.TrimSpace(ev.Text)
}

// Start begins a flow for the event's principal. Rejection is terminal and
// creates no session.
func (e *Engine) Start(ctx context.Context, flowName string, ev transport.Event) (Result, error) {
	return e.StartAt(ctx, flowName, "", nil, ev)
}

// StartAt begins a flow at a specific step with pre-seeded answers, used by
// the intent router when parameter extraction already filled early steps.
// An empty stepID means the flow's entry step.
func (e *Engine) StartAt(ctx context.Context, flowName, stepID string, answers map[string]string, ev transport.Event) (Result, error) {
	f, ok := e.flows[flowName]
	if !ok {
		return Result{}, fmt.Errorf("unknown flow %q", flowName)
	}
	if f.Chat != transport.ChatAny && ev.Kind != f.Chat {
		return rejected(ev.Chat, fmt.Sprintf("This works only in a %s chat.", f.Chat)), nil
	}
	if _, err := e.Core.Repo.GetPrincipal(ctx, ev.Principal); err != nil {
		return rejected(ev.Chat, "You are not registered yet. Send /register first."), nil
	}
	if f.Gate != nil {
		msg, err := f.Gate(ctx, e, ev)
		if err != nil {
			return Result{}, err
		}
		if msg != "" {
			return rejected(ev.Chat, msg), nil
		}
	}
	if stepID == "" {
		stepID = f.Entry
	}
	step, ok := f.Steps[stepID]
	if !ok {
		return Result{}, fmt.Errorf("flow %q has no step %q", flowName, stepID)
	}
	s := session.Session{
		Key:        ev.Principal,
		Principal:  ev.Principal,
		Flow:       flowName,
		Step:       stepID,
		Answers:    map[string]string{},
		OriginChat: ev.Chat,
	}
	if ev.Kind == transport.ChatGroup {
		s.GroupChat = ev.Chat
	}
	for k, v := range answers {
		s.Answers[k] = v
	}
	if err := e.Sessions.Begin(ev.Principal, s); err != nil {
		if errors.Is(err, session.ErrActive) {
			return rejected(ev.Chat, "You already have a dialogue in progress. Finish it or send /cancel."), nil
		}
		return Result{}, err
	}
	got, err := e.Sessions.Get(ev.Principal)
	if err != nil {
		return Result{}, err
	}
	msgs := []transport.Message{step.Prompt(e, &got)}
	return Result{Kind: Prompt, Messages: msgs}, nil
}

// Advance feeds one event into the principal's active session. Events for
// the same key are serialized; the step handler may perform blocking oracle
// or store calls, the session state lock itself is only taken to read and
// commit.
func (e *Engine) Advance(ctx context.Context, key string, ev transport.Event) (Result, error) {
	unlock := e.Sessions.Lock(key)
	defer unlock()

	s, err := e.Sessions.Get(key)
	if err != nil {
		return rejected(ev.Chat, "No active dialogue, or it expired. Please start over."), nil
	}
	if isCancel(ev) {
		e.Sessions.End(key)
		return Result{Kind: Terminal, Cancelled: true,
			Messages: []transport.Message{reply(ev.Chat, "Cancelled.")}}, nil
	}
	f := e.flows[s.Flow]
	if f == nil {
		e.Sessions.End(key)
		return Result{}, fmt.Errorf("session %s references unknown flow %q", key, s.Flow)
	}
	step, ok := f.Steps[s.Step]
	if !ok {
		e.Sessions.End(key)
		return Result{}, fmt.Errorf("flow %q has no step %q", s.Flow, s.Step)
	}
	if step.Chat != transport.ChatAny && ev.Kind != step.Chat {
		return rejected(ev.Chat, fmt.Sprintf("Please answer this in the %s chat.", step.Chat)), nil
	}

	next, err := step.Handle(ctx, e, &s, ev, inputText(ev))
	if err != nil {
		e.Sessions.End(key)
		e.Log.Warn("flow step failed",
			zap.String("flow", s.Flow), zap.String("step", s.Step), zap.Error(err))
		return Result{Kind: Terminal,
			Messages: []transport.Message{reply(ev.Chat, "Something went wrong, the dialogue was aborted. Please start over.")}}, nil
	}
	switch {
	case next.Reject != "":
		return rejected(ev.Chat, next.Reject), nil
	case next.Invalid != "":
		msgs := []transport.Message{reply(ev.Chat, next.Invalid), step.Prompt(e, &s)}
		return Result{Kind: Prompt, Messages: msgs}, nil
	case next.Done:
		e.Sessions.End(key)
		return Result{Kind: Terminal, Messages: next.Messages}, nil
	}

	nextStep, ok := f.Steps[next.Step]
	if !ok {
		e.Sessions.End(key)
		return Result{}, fmt.Errorf("flow %q has no step %q", s.Flow, next.Step)
	}
	err = e.Sessions.Update(key, func(cur *session.Session) {
		cur.Answers = s.Answers
		cur.Step = next.Step
		cur.StepCount++
	})
	if err != nil {
		return rejected(ev.Chat, "Your dialogue expired. Please start over."), nil
	}
	committed, err := e.Sessions.Get(key)
	if err != nil {
		return rejected(ev.Chat, "Your dialogue expired. Please start over."), nil
	}
	msgs := append(next.Messages, nextStep.Prompt(e, &committed))
	return Result{Kind: Prompt, Messages: msgs}, nil
}

// Cancel ends the principal's session, same effect as the cancel command.
func (e *Engine) Cancel(key string) Result {
	unlock := e.Sessions.Lock(key)
	defer unlock()
	if _, err := e.Sessions.Get(key); err != nil {
		return Result{Kind: Rejected}
	}
	e.Sessions.End(key)
	return Result{Kind: Terminal, Cancelled: true}
}

// Active reports whether the key has a live session.
func (e *Engine) Active(key string) bool {
	_, err := e.Sessions.Get(key)
	return err == nil
}
