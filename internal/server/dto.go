package server

import (
	"fmt"

	"taskpilot/internal/domain"
	"taskpilot/internal/flow"
	"taskpilot/internal/transport"
)

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	ChatID      string `json:"chat_id"`
	CreatedAt   string `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Status:      p.Status,
		ChatID:      p.ChatID,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

type MemberResponse struct {
	ProjectID   string `json:"project_id"`
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
}

func mapMembers(items []domain.Membership) []MemberResponse {
	out := make([]MemberResponse, 0, len(items))
	for _, m := range items {
		out = append(out, MemberResponse{ProjectID: m.ProjectID, PrincipalID: m.PrincipalID, Role: m.Role})
	}
	return out
}

type TaskResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	CustomID    string  `json:"custom_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	Deadline    string  `json:"deadline"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		CustomID:    t.CustomID,
		Name:        t.Name,
		Description: t.Description,
		Status:      t.Status,
		Deadline:    t.Deadline,
		AssigneeID:  t.AssigneeID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

// EventRequest is one inbound chat interaction as reported by the adapter.
type EventRequest struct {
	Chat         string `json:"chat" example:"-10012345"`
	Kind         string `json:"kind" example:"group"`
	Principal    string `json:"principal" example:"42"`
	Username     string `json:"username,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	Text         string `json:"text,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

func (r EventRequest) toEvent() (transport.Event, error) {
	if r.Chat == "" || r.Principal == "" {
		return transport.Event{}, fmt.Errorf("chat and principal are required")
	}
	ev := transport.Event{
		Chat:        r.Chat,
		Principal:   r.Principal,
		Username:    r.Username,
		DisplayName: r.DisplayName,
		Text:        r.Text,
	}
	switch r.Kind {
	case "group":
		ev.Kind = transport.ChatGroup
	case "private":
		ev.Kind = transport.ChatPrivate
	default:
		return transport.Event{}, fmt.Errorf("unknown chat kind %q", r.Kind)
	}
	if r.CallbackData != "" {
		cb, err := transport.ParseCallback(r.CallbackData)
		if err != nil {
			return transport.Event{}, err
		}
		ev.Callback = &cb
	}
	return ev, nil
}

type ChoiceResponse struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

type MessageResponse struct {
	Chat    string           `json:"chat"`
	Text    string           `json:"text"`
	Choices []ChoiceResponse `json:"choices,omitempty"`
}

// DispatchResponse carries the replies the adapter must deliver.
type DispatchResponse struct {
	Kind      string            `json:"kind" enum:"prompt,terminal,rejected"`
	Cancelled bool              `json:"cancelled,omitempty"`
	Messages  []MessageResponse `json:"messages"`
}

func dispatchResponse(res flow.Result) DispatchResponse {
	out := DispatchResponse{Kind: res.Kind.String(), Cancelled: res.Cancelled}
	for _, m := range res.Messages {
		mr := MessageResponse{Chat: m.Chat, Text: m.Text}
		for _, c := range m.Choices {
			mr.Choices = append(mr.Choices, ChoiceResponse{Label: c.Label, Data: c.Data})
		}
		out.Messages = append(out.Messages, mr)
	}
	if out.Messages == nil {
		out.Messages = []MessageResponse{}
	}
	return out
}

type SweepResponse struct {
	Scanned  int `json:"scanned"`
	Notified int `json:"notified"`
	Failed   int `json:"failed"`
}
