// Package notify renders and delivers overdue reminders.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"taskpilot/internal/domain"
)

// Notifier delivers a plain-text message to a chat.
type Notifier interface {
	Notify(ctx context.Context, chatID, text string) error
}

// Generator produces free-form text from a prompt. Satisfied by the Gemini
// oracle.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// OverdueContext carries everything the reminder needs to name. Assignee is
// nil for tasks still waiting on assignment; Members and ProjectTasks give
// the generator the project picture around the overdue task.
type OverdueContext struct {
	Task         domain.Task
	Project      domain.Project
	Assignee     *domain.Principal
	Members      []domain.Membership
	ProjectTasks []domain.Task
}

// Renderer turns an overdue task into a reminder message. When a generator
// is configured it writes the reminder, otherwise a fixed template is used.
// Generator failures fall back to the template so a reminder always goes out.
type Renderer struct {
	Gen Generator
	Log *zap.Logger
}

func NewRenderer(gen Generator, log *zap.Logger) *Renderer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Renderer{Gen: gen, Log: log}
}

const overduePrompt = `Write a short, friendly reminder (two sentences max) that the task below is past its deadline. Address the assignee by name, or ask the team to pick someone up if the task is unassigned. Reply with the reminder text only.

Project: %s
Task: %s (%s)
Assignee: %s
Deadline: %s
Team members:
%s
Project tasks:
%s`

func (r *Renderer) Render(ctx context.Context, oc OverdueContext) string {
	if r.Gen != nil {
		prompt := fmt.Sprintf(overduePrompt,
			oc.Project.Name, oc.Task.Name, oc.Task.CustomID, assigneeName(oc.Assignee),
			oc.Task.Deadline, memberLines(oc.Members), taskLines(oc.ProjectTasks))
		text, err := r.Gen.Generate(ctx, prompt)
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		if err != nil {
			r.Log.Warn("reminder generation failed, using template",
				zap.String("task", oc.Task.ID), zap.Error(err))
		}
	}
	if oc.Assignee == nil {
		return fmt.Sprintf("Reminder: task %q (%s) in project %q was due %s and has no assignee yet. Assignment pending.",
			oc.Task.Name, oc.Task.CustomID, oc.Project.Name, oc.Task.Deadline)
	}
	return fmt.Sprintf("Reminder for %s: task %q (%s) in project %q was due %s and is still open.",
		assigneeName(oc.Assignee), oc.Task.Name, oc.Task.CustomID, oc.Project.Name, oc.Task.Deadline)
}

func memberLines(ms []domain.Membership) string {
	if len(ms) == 0 {
		return "- none"
	}
	var b strings.Builder
	for _, m := range ms {
		fmt.Fprintf(&b, "- %s (%s)\n", m.PrincipalID, m.Role)
	}
	return strings.TrimRight(b.String(), "\n")
}

func taskLines(ts []domain.Task) string {
	if len(ts) == 0 {
		return "- none"
	}
	var b strings.Builder
	for _, t := range ts {
		fmt.Fprintf(&b, "- %s %s [%s]\n", t.CustomID, t.Name, t.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}

// LogNotifier records outbound reminders in the log. It stands in when no
// chat adapter is wired to a running instance; adapters poll the dispatch
// endpoint and deliver for real.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(ctx context.Context, chatID, text string) error {
	n.Log.Info("reminder", zap.String("chat", chatID), zap.String("text", text))
	return nil
}

func assigneeName(p *domain.Principal) string {
	if p == nil {
		return "unassigned"
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Username != "" {
		return "@" + p.Username
	}
	return p.ID
}
