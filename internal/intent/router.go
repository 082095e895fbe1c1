// Package intent turns free text and commands into flow entries or one-shot
// replies. Classification delegates to the oracle; a failed or unrecognized
// classification degrades to the help reply, never to an error.
package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"taskpilot/internal/flow"
	"taskpilot/internal/oracle"
	"taskpilot/internal/repo"
	"taskpilot/internal/transport"
)

const helpText = `I coordinate projects and tasks for this group.

Commands:
  /register      join as a participant
  /skills        fill in your skill profile (private chat)
  /join          join the group's active project
  /new_project   create a project (from the group)
  /new_task      create a task in the group's project
  /update_task   change status or deadline of your task
  /terminate     terminate the group's project (admin only)
  /projects      list your projects
  /tasks         list your tasks
  /premium       about the premium plan
  /cancel        abort the current dialogue

You can also just tell me what you want in plain words.`

const premiumText = "The premium plan removes the one-active-project limit. Contact the operators of this bot to upgrade."

type Router struct {
	Flows      *flow.Engine
	Classifier oracle.Classifier
	Extractor  oracle.Extractor
	Layout     string
	Log        *zap.Logger
	Now        func() time.Time
}

func NewRouter(flows *flow.Engine, classifier oracle.Classifier, extractor oracle.Extractor, layout string, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{Flows: flows, Classifier: classifier, Extractor: extractor, Layout: layout, Log: log}
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// Classify names the intent behind free text. Oracle trouble of any kind
// maps to help.
func (r *Router) Classify(ctx context.Context, text string) string {
	if r.Classifier == nil {
		return "help"
	}
	intent, err := r.Classifier.Classify(ctx, text)
	if err != nil {
		r.Log.Warn("intent classification failed", zap.Error(err))
		return "help"
	}
	switch intent {
	case "register", "register_skills", "update_skills", "create_project",
		"join_project", "create_task", "update_task", "terminate_project",
		"list_projects", "list_tasks", "premium", "help":
		return intent
	default:
		return "help"
	}
}

// Dispatch is the single entry point for inbound events. Mid-dialogue events
// and button presses go to the active session; commands and free text are
// routed by name or classification.
func (r *Router) Dispatch(ctx context.Context, ev transport.Event) (flow.Result, error) {
	if ev.Callback != nil {
		key := ev.Callback.Owner
		if key == "" {
			key = ev.Principal
		}
		return r.Flows.Advance(ctx, key, ev)
	}
	if r.Flows.Active(ev.Principal) {
		return r.Flows.Advance(ctx, ev.Principal, ev)
	}
	text := strings.TrimSpace(ev.Text)
	if strings.HasPrefix(text, "/") {
		return r.command(ctx, strings.ToLower(strings.Fields(text)[0]), ev)
	}
	return r.Route(ctx, r.Classify(ctx, text), ev)
}

func (r *Router) command(ctx context.Context, cmd string, ev transport.Event) (flow.Result, error) {
	switch cmd {
	case "/start", "/help":
		return oneShot(ev.Chat, helpText), nil
	case "/register":
		return r.register(ctx, ev)
	case "/join":
		return r.join(ctx, ev)
	case "/premium":
		return oneShot(ev.Chat, premiumText), nil
	case "/projects":
		return r.listProjects(ctx, ev)
	case "/tasks":
		return r.listTasks(ctx, ev)
	case "/cancel":
		return oneShot(ev.Chat, "Nothing to cancel."), nil
	case "/skills":
		return r.Flows.Start(ctx, flow.RegisterSkills, ev)
	case "/update_skills":
		return r.Flows.Start(ctx, flow.UpdateSkills, ev)
	case "/new_project":
		return r.Flows.Start(ctx, flow.CreateProject, ev)
	case "/new_task":
		return r.Flows.Start(ctx, flow.CreateTask, ev)
	case "/update_task":
		return r.Flows.Start(ctx, flow.UpdateTask, ev)
	case "/terminate":
		return r.Flows.Start(ctx, flow.TerminateProject, ev)
	default:
		return oneShot(ev.Chat, "Unknown command. Try /help."), nil
	}
}

// Route dispatches a named intent. Parameterised intents run extraction
// first; only fields that validate are pre-seeded, and the flow starts at
// the first step whose answer is still missing.
func (r *Router) Route(ctx context.Context, intent string, ev transport.Event) (flow.Result, error) {
	switch intent {
	case "register":
		return r.register(ctx, ev)
	case "register_skills":
		return r.Flows.Start(ctx, flow.RegisterSkills, ev)
	case "update_skills":
		return r.Flows.Start(ctx, flow.UpdateSkills, ev)
	case "create_project":
		return r.startExtracted(ctx, flow.CreateProject, "create_project",
			[]string{"name", "description"}, ev)
	case "join_project":
		return r.join(ctx, ev)
	case "create_task":
		return r.startExtracted(ctx, flow.CreateTask, "create_task",
			[]string{"custom_id", "name", "description", "deadline"}, ev)
	case "update_task":
		return r.Flows.Start(ctx, flow.UpdateTask, ev)
	case "terminate_project":
		return r.Flows.Start(ctx, flow.TerminateProject, ev)
	case "list_projects":
		return r.listProjects(ctx, ev)
	case "list_tasks":
		return r.listTasks(ctx, ev)
	case "premium":
		return oneShot(ev.Chat, premiumText), nil
	default:
		return oneShot(ev.Chat, helpText), nil
	}
}

// startExtracted pre-seeds a flow from oracle extraction. The last field is
// always collected interactively so the dialogue confirms at least one step,
// and an invalid extracted value counts as missing rather than trusted.
func (r *Router) startExtracted(ctx context.Context, flowName, extractIntent string, fields []string, ev transport.Event) (flow.Result, error) {
	seeded := map[string]string{}
	if r.Extractor != nil {
		got, err := r.Extractor.Extract(ctx, extractIntent, ev.Text)
		if err != nil {
			r.Log.Warn("parameter extraction failed",
				zap.String("intent", extractIntent), zap.Error(err))
		} else {
			for _, f := range fields {
				if v := strings.TrimSpace(got[f]); v != "" && r.validField(f, v) {
					seeded[f] = v
				}
			}
		}
	}
	start := ""
	for _, f := range fields {
		if _, ok := seeded[f]; !ok {
			start = f
			break
		}
	}
	if start == "" {
		start = fields[len(fields)-1]
		delete(seeded, start)
	}
	return r.Flows.StartAt(ctx, flowName, start, seeded, ev)
}

func (r *Router) validField(field, value string) bool {
	if field != "deadline" {
		return true
	}
	t, err := time.ParseInLocation(r.Layout, value, time.UTC)
	return err == nil && t.After(r.now())
}

func (r *Router) register(ctx context.Context, ev transport.Event) (flow.Result, error) {
	p, err := r.Flows.Core.RegisterPrincipal(ctx, ev.Principal, ev.Username, ev.DisplayName)
	if err != nil {
		return flow.Result{}, err
	}
	name := p.DisplayName
	if name == "" {
		name = p.ID
	}
	return oneShot(ev.Chat, fmt.Sprintf("Welcome, %s. Fill in your skill profile with /skills in a private chat.", name)), nil
}

// join adds the sender to the group's active project as a member. The admin
// is a member from project creation; everyone else opts in here.
func (r *Router) join(ctx context.Context, ev transport.Event) (flow.Result, error) {
	if ev.Kind != transport.ChatGroup {
		return oneShot(ev.Chat, "Send /join from the project's group chat."), nil
	}
	if _, err := r.Flows.Core.Repo.GetPrincipal(ctx, ev.Principal); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return oneShot(ev.Chat, "You are not registered yet. Send /register first."), nil
		}
		return flow.Result{}, err
	}
	p, err := r.Flows.Core.Repo.ActiveProjectByChat(ctx, ev.Chat)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return oneShot(ev.Chat, "No active project in this group. Create one first."), nil
		}
		return flow.Result{}, err
	}
	if _, err := r.Flows.Core.Repo.GetMembership(ctx, p.ID, ev.Principal); err == nil {
		return oneShot(ev.Chat, fmt.Sprintf("You are already a member of %q.", p.Name)), nil
	}
	if err := r.Flows.Core.AddMember(ctx, p.ID, ev.Principal); err != nil {
		return flow.Result{}, err
	}
	return oneShot(ev.Chat, fmt.Sprintf("You joined project %q. Fill in your skills with /skills so tasks can find you.", p.Name)), nil
}

func (r *Router) listProjects(ctx context.Context, ev transport.Event) (flow.Result, error) {
	projects, err := r.Flows.Core.Repo.ListProjectsByPrincipal(ctx, ev.Principal)
	if err != nil {
		return flow.Result{}, err
	}
	if len(projects) == 0 {
		return oneShot(ev.Chat, "You are not a member of any project."), nil
	}
	var b strings.Builder
	b.WriteString("Your projects:\n")
	for _, p := range projects {
		fmt.Fprintf(&b, "  %s [%s]\n", p.Name, p.Status)
	}
	return oneShot(ev.Chat, strings.TrimRight(b.String(), "\n")), nil
}

func (r *Router) listTasks(ctx context.Context, ev transport.Event) (flow.Result, error) {
	filters := repo.TaskFilters{AssigneeID: ev.Principal}
	if ev.Kind == transport.ChatGroup {
		p, err := r.Flows.Core.Repo.ActiveProjectByChat(ctx, ev.Chat)
		if err != nil {
			return oneShot(ev.Chat, "No active project in this group."), nil
		}
		filters.ProjectID = p.ID
	}
	tasks, err := r.Flows.Core.Repo.ListTasks(ctx, filters)
	if err != nil {
		return flow.Result{}, err
	}
	if len(tasks) == 0 {
		return oneShot(ev.Chat, "No tasks assigned to you."), nil
	}
	var b strings.Builder
	b.WriteString("Your tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "  %s  %s [%s] due %s\n", t.CustomID, t.Name, t.Status, t.Deadline)
	}
	return oneShot(ev.Chat, strings.TrimRight(b.String(), "\n")), nil
}

func oneShot(chat, text string) flow.Result {
	return flow.Result{Kind: flow.Terminal, Messages: []transport.Message{{Chat: chat, Text: text}}}
}
