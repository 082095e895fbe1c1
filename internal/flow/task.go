package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"taskpilot/internal/domain"
	"taskpilot/internal/engine"
	"taskpilot/internal/repo"
	"taskpilot/internal/session"
	"taskpilot/internal/transport"
)

// parseDeadline accepts the fixed layout and requires a strictly future time.
func (e *Engine) parseDeadline(input string) (time.Time, string) {
	t, err := time.ParseInLocation(e.Layout, strings.TrimSpace(input), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Sprintf("I could not read that date. Use the format %s.", e.Layout)
	}
	if !t.After(e.now()) {
		return time.Time{}, "The deadline must be in the future."
	}
	return t, ""
}

func createTaskFlow() *Flow {
	return &Flow{
		Name:  CreateTask,
		Entry: "custom_id",
		Chat:  transport.ChatGroup,
		Gate: func(ctx context.Context, e *Engine, ev transport.Event) (string, error) {
			if _, err := e.Core.Repo.ActiveProjectByChat(ctx, ev.Chat); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return "No active project in this group. Create one first.", nil
				}
				return "", err
			}
			return "", nil
		},
		Steps: map[string]Step{
			"custom_id": {
				ID:   "custom_id",
				Chat: transport.ChatGroup,
				Prompt: func(e *Engine, s *session.Session) transport.Message {
					return reply(s.GroupChat, "New task. Give it a short identifier, like T1.")
				},
				Handle: func(ctx context.Context, e *Engine, s *session.Session, ev transport.Event, input string) (Next, error) {
					if input == "" {
						return Next{Invalid: "The task needs an identifier."}, nil
					}
					p, err := e.Core.Repo.ActiveProjectByChat(ctx, s.GroupChat)
					if err != nil {
						return Next{}, err
					}
					if _, err := e.Core.Repo.GetTaskByCustomID(ctx, p.ID, input); err == nil {
						return Next{Invalid: fmt.Sprintf("%s is already taken in this project.", input)}, nil
					} else if !errors.Is(err, repo.ErrNotFound) {
						return Next{}, err
					}
					s.Answers["custom_id"] = input
					return Next{Step: "name"}, nil
				},
			},
			"name": {
				ID:   "name",
				Chat: transport.ChatGroup,
				Prompt: func(e *Engine, s *session.Session) transport.Message {
					return reply(s.GroupChat, "What is the task called?")
				},
				Handle: func(ctx context.Context, e *Engine, s *session.Session, ev transport.Event, input string) (Next, error) {
					if input == "" {
						return Next{Invalid: "The task needs a name."}, nil
					}
					s.Answers["name"] = input
					return Next{Step: "description"}, nil
				},
			},
			"description": {
				ID:   "description",
				Chat: transport.ChatGroup,
				Prompt: func(e *Engine, s *session.Session) transport.Message {
					return reply(s.GroupChat, "Describe what needs to be done.")
				},
				Handle: func(ctx context.Context, e *Engine, s *session.Session, ev transport.Event, input string) (Next, error) {
					if input == "" {
						return Next{Invalid: "A short description, please."}, nil
					}
					s.Answers["description"] = input
					return Next{Step: "deadline"}, nil
				},
			},
			"deadline": {
				ID:   "deadline",
				Chat: transport.ChatGroup,
				Prompt: func(e *Engine, s *session.Session) transport.Message {
					return reply(s.GroupChat, fmt.Sprintf("When is it due? Format: %s", e.Layout))
				},
				Handle: func(ctx context.Context, e *Engine, s *session.Session, ev transport.Event, input string) (Next, error) {
					due, invalid := e.parseDeadline(input)
					if invalid != "" {
						return Next{Invalid: invalid}, nil
					}
					p, err := e.Core.Repo.ActiveProjectByChat(ctx, s.GroupChat)
					if err != nil {
						return Next{}, err
					}
					t, err := e.Core.CreateTask(ctx, engine.TaskCreateOptions{
						ProjectID:   p.ID,
						CustomID:    s.Answers["custom_id"],
						Name:        s.Answers["name"],
						Description: s.Answers["description"],
						Deadline:    due,
						CreatorID:   s.Principal,
					})
					if err != nil {
						if errors.Is(err, repo.ErrConflict) {
							return Next{Invalid: fmt.Sprintf("%s got taken while we talked. Pick another identifier.",
								s.Answers["custom_id"])}, nil
						}
						return Next{}, err
					}
					msg := e.assignNewTask(ctx, p, t, s.Principal)
					return Next{Done: true, Messages: []transport.Message{reply(s.GroupChat, msg)}}, nil
				},
			},
		},
	}
}

// assignNewTask runs assignment for a freshly created task. Any assignment
// failure leaves the task unassigned and is reported, never hidden behind a
// made-up assignee.
func (e *Engine) assignNewTask(ctx context.Context, p domain.Project, t domain.Task, actor string) string {
	assignee, err := e.Assigner.SelectAssignee(ctx, p, t)
	if err != nil {
		e.Log.Warn("task assignment failed",
			zap.String("task", t.ID), zap.Error(err))
		return fmt.Sprintf("Task %s %q created. Assignment pending, no assignee could be chosen.", t.CustomID, t.Name)
	}
	if err := e.Core.AssignTask(ctx, t.ID, assignee, actor); err != nil {
		e.Log.Warn("persisting assignee failed",
			zap.String("task", t.ID), zap.Error(err))
		return fmt.Sprintf("Task %s %q created. Assignment pending.", t.CustomID, t.Name)
	}
	name := assignee
	if pr, perr := e.Core.Repo.GetPrincipal(ctx, assignee); perr == nil && pr.DisplayName != "" {
		name = pr.DisplayName
	}
	return fmt.Sprintf("Task %s %q created and assigned to %s.", t.CustomID, t.Name, name)
}

func updateTaskFlow() *Flow {
	return &Flow{
		Name:  UpdateTask,
		Entry: "pick",
		Chat:  transport.ChatGroup,
		Gate: func(ctx context.Context, e *Engine, ev transport.Event) (string, error) {
			p, err := e.Core.Repo.ActiveProjectByChat(ctx, ev.Chat)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return "No active project in this group.", nil
				}
				return "", err
			}
			tasks, err := e.Core.MemberTasks(ctx, p.ID, ev.Principal)
			if err != nil {
				return "", err
			}
			if len(tasks) == 0 {
				return "You have no tasks assigned in this project.", nil
			}
			return "", nil
		},
		Steps: map[string]Step{
			"pick": {
				ID:   "pick",
				Chat: transport.ChatGroup,
				Prompt: func(e *Engine, s *session.Session) transport.Message {
					text := "Which task? Reply with its identifier."
					if p, err := e.Core.Repo.ActiveProjectByChat(context.Background(), s.GroupChat); err == nil {
						if tasks, err := e.Core.MemberTasks(context.Background(), p.ID, s.Principal); err == nil {
							var b strings.Builder
							b.WriteString("Your tasks:\n")
							for _, t := range tasks {
								fmt.Fprintf(&b, "  %s  %s [%s]\n", t.CustomID, t.Name, t.Status)
							}
							b.WriteString("Which one? Reply with its identifier.")
							text = b.String()
						}
					}
					return reply(s.GroupChat, text)
				},
				Handle: func(ctx context.Context, e *Engine, s *session.Session, ev transport.Event, input string) (Next, error) {
					p, err := e.Core.Repo.ActiveProjectByChat(ctx, s.GroupChat)
					if err != nil {
						return Next{}, err
					}
					tasks, err := e.Core.MemberTasks(ctx, p.ID, s.Principal)
					if err != nil {
						return Next{}, err
					}
					for _, t := range tasks {
						if t.CustomID == input {
							s.Answers["task_id"] = t.ID
							s.Answers["custom_id"] = t.CustomID
							return Next{Step: "action"}, nil
						}
					}
					return Next{Invalid: "That is not one of your task identifiers."}, nil
				},
			},
			"action": {
				ID:   "action",
				Chat: transport.ChatGroup,
				Prompt: func(e *Engine, s *session.Session) transport.Message {
					cid := s.Answers["custom_id"]
					return transport.Message{
						Chat: s.GroupChat,
						Text: fmt.Sprintf("What about %s?", cid),
						Choices: []transport.Choice{
							{Label: "In progress", Data: transport.Callback{Flow: UpdateTask, Owner: s.Principal, Field: "action", Value: domain.TaskInProgress}.Encode()},
							{Label: "Done", Data: transport.Callback{Flow: UpdateTask, Owner: s.Principal, Field: "action", Value: domain.TaskDone}.Encode()},
							{Label: "Extend deadline", Data: transport.Callback{Flow: UpdateTask, Owner: s.Principal, Field: "action", Value: "extend"}.Encode()},
						},
					}
				},
				Handle: func(ctx context.Context, e *Engine, s *session.Session, ev transport.Event, input string) (Next, error) {
					switch input {
					case domain.TaskInProgress, domain.TaskDone:
						t, err := e.Core.UpdateTaskStatus(ctx, s.Answers["task_id"], input, s.Principal)
						if err != nil {
							return Next{}, err
						}
						return Next{Done: true, Messages: []transport.Message{
							reply(s.GroupChat, fmt.Sprintf("Task %s is now %s.", t.CustomID, t.Status)),
						}}, nil
					case "extend":
						return Next{Step: "new_deadline"}, nil
					default:
						return Next{Invalid: "Pick one of the offered actions."}, nil
					}
				},
			},
			"new_deadline": {
				ID:   "new_deadline",
				Chat: transport.ChatGroup,
				Prompt: func(e *Engine, s *session.Session) transport.Message {
					return reply(s.GroupChat, fmt.Sprintf("New deadline for %s? Format: %s", s.Answers["custom_id"], e.Layout))
				},
				Handle: func(ctx context.Context, e *Engine, s *session.Session, ev transport.Event, input string) (Next, error) {
					due, invalid := e.parseDeadline(input)
					if invalid != "" {
						return Next{Invalid: invalid}, nil
					}
					t, err := e.Core.ExtendDeadline(ctx, s.Answers["task_id"], due, s.Principal)
					if err != nil {
						return Next{}, err
					}
					return Next{Done: true, Messages: []transport.Message{
						reply(s.GroupChat, fmt.Sprintf("Task %s is now due %s.", t.CustomID, due.Format(e.Layout))),
					}}, nil
				},
			},
		},
	}
}
