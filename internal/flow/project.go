package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskpilot/internal/domain"
	"taskpilot/internal/engine"
	"taskpilot/internal/repo"
	"taskpilot/internal/session"
	"taskpilot/internal/transport"
)

// createProjectFlow is entered from a group and continued in the initiator's
// private chat; the group only hears back when the project exists. The quota
// gate runs before any session is created.
func createProjectFlow() *Flow {
	return &Flow{
		Name:  CreateProject,
		Entry: "name",
		Chat:  transport.ChatGroup,
		Gate: func(ctx context.Context, e *Engine, ev transport.Event) (string, error) {
			if _, err := e.Core.Repo.ActiveProjectByChat(ctx, ev.Chat); err == nil {
				return "This group already has an active project.", nil
			} else if !errors.Is(err, repo.ErrNotFound) {
				return "", err
			}
			if err := e.Core.CheckProjectQuota(ctx, ev.Principal); err != nil {
				if errors.Is(err, engine.ErrQuotaExceeded) {
					return "Your free plan allows one active project. Upgrade to premium for more.", nil
				}
				return "", err
			}
			return "", nil
		},
		Steps: map[string]Step{
			"name": {
				ID:   "name",
				Chat: transport.ChatPrivate,
				Prompt: func(e *Engine, s *session.Session) transport.Message {
					return reply(s.Principal, "Let's set up your project. What is it called?")
				},
				Handle: func(ctx context.Context, e *Engine, s *session.Session, ev transport.Event, input string) (Next, error) {
					if input == "" {
						return Next{Invalid: "The project needs a name."}, nil
					}
					s.Answers["name"] = input
					return Next{Step: "description"}, nil
				},
			},
			"description": {
				ID:   "description",
				Chat: transport.ChatPrivate,
				Prompt: func(e *Engine, s *session.Session) transport.Message {
					return reply(s.Principal, "Now describe the project in a sentence or two.")
				},
				Handle: func(ctx context.Context, e *Engine, s *session.Session, ev transport.Event, input string) (Next, error) {
					if input == "" {
						return Next{Invalid: "A short description, please."}, nil
					}
					s.Answers["description"] = input
					p, err := e.Core.CreateProject(ctx, engine.ProjectCreateOptions{
						Name:        s.Answers["name"],
						Description: s.Answers["description"],
						ChatID:      s.GroupChat,
						AdminID:     s.Principal,
					})
					if err != nil {
						if errors.Is(err, repo.ErrConflict) {
							return Next{Done: true, Messages: []transport.Message{
								reply(s.Principal, "That group picked up another active project in the meantime."),
							}}, nil
						}
						return Next{}, err
					}
					return Next{Done: true, Messages: []transport.Message{
						reply(s.Principal, fmt.Sprintf("Project %q is ready. You are its admin.", p.Name)),
						reply(s.GroupChat, fmt.Sprintf("New project %q: %s", p.Name, p.Description)),
					}}, nil
				},
			},
		},
	}
}

// terminateProjectFlow asks the admin to confirm. The confirmation buttons
// are minted for the initiating principal only; anyone else pressing them is
// refused without touching the session.
func terminateProjectFlow() *Flow {
	return &Flow{
		Name:  TerminateProject,
		Entry: "confirm",
		Chat:  transport.ChatGroup,
		Gate: func(ctx context.Context, e *Engine, ev transport.Event) (string, error) {
			p, err := e.Core.Repo.ActiveProjectByChat(ctx, ev.Chat)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return "No active project in this group.", nil
				}
				return "", err
			}
			m, err := e.Core.Repo.GetMembership(ctx, p.ID, ev.Principal)
			if err != nil || m.Role != domain.RoleAdmin {
				return "Only the project admin can terminate it.", nil
			}
			return "", nil
		},
		Steps: map[string]Step{
			"confirm": {
				ID:   "confirm",
				Chat: transport.ChatGroup,
				Prompt: func(e *Engine, s *session.Session) transport.Message {
					return transport.Message{
						Chat: s.GroupChat,
						Text: "Terminate the project? All its tasks and memberships will be deleted.",
						Choices: []transport.Choice{
							{Label: "Yes, terminate", Data: transport.Callback{Flow: TerminateProject, Owner: s.Principal, Field: "confirm", Value: "yes"}.Encode()},
							{Label: "No, keep it", Data: transport.Callback{Flow: TerminateProject, Owner: s.Principal, Field: "confirm", Value: "no"}.Encode()},
						},
					}
				},
				Handle: func(ctx context.Context, e *Engine, s *session.Session, ev transport.Event, input string) (Next, error) {
					if ev.Principal != s.Principal {
						return Next{Reject: "Only the admin who asked for termination can answer this."}, nil
					}
					switch strings.ToLower(input) {
					case "no", "n":
						return Next{Done: true, Messages: []transport.Message{
							reply(s.GroupChat, "The project stays."),
						}}, nil
					case "yes", "y":
					default:
						return Next{Invalid: "Please answer yes or no."}, nil
					}
					p, err := e.Core.Repo.ActiveProjectByChat(ctx, s.GroupChat)
					if err != nil {
						return Next{}, err
					}
					if err := e.Core.TerminateProject(ctx, p.ID, s.Principal); err != nil {
						if errors.Is(err, engine.ErrNotAdmin) || errors.Is(err, repo.ErrConflict) {
							return Next{Done: true, Messages: []transport.Message{
								reply(s.GroupChat, "The project could not be terminated, it may already be gone."),
							}}, nil
						}
						return Next{}, err
					}
					return Next{Done: true, Messages: []transport.Message{
						reply(s.GroupChat, fmt.Sprintf("Project %q terminated. Its tasks and memberships were removed.", p.Name)),
					}}, nil
				},
			},
		},
	}
}
