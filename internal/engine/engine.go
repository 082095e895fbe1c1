package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/repo"
)

var (
	ErrQuotaExceeded = errors.New("project quota exceeded")
	ErrNotAdmin      = errors.New("principal is not the project admin")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RegisterPrincipal records a participant on first contact and refreshes the
// mutable identity fields on every later one. Subscription tier is never
// downgraded here.
func (e Engine) RegisterPrincipal(ctx context.Context, id, username, displayName string) (domain.Principal, error) {
	existing, err := e.Repo.GetPrincipal(ctx, id)
	if err == nil {
		existing.Username = username
		existing.DisplayName = displayName
		if err := e.Repo.UpsertPrincipal(ctx, existing); err != nil {
			return domain.Principal{}, err
		}
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Principal{}, err
	}
	p := domain.Principal{
		ID:           id,
		Username:     username,
		DisplayName:  displayName,
		Subscription: domain.TierFree,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Principal{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO principals(id,username,display_name,subscription,created_at) VALUES (?,?,?,?,?)`,
		p.ID, nullable(p.Username), p.DisplayName, p.Subscription, p.CreatedAt); err != nil {
		return domain.Principal{}, fmt.Errorf("insert principal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "principal.registered", "", "principal", p.ID, p.ID, nil); err != nil {
		return domain.Principal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Principal{}, err
	}
	return p, nil
}

// UpsertSkill overwrites one declared skill value for a principal.
func (e Engine) UpsertSkill(ctx context.Context, principalID, key, value string) error {
	if !domain.ValidSkillKey(key) {
		return fmt.Errorf("unknown skill key %s", key)
	}
	return e.Repo.UpsertSkill(ctx, domain.Skill{
		PrincipalID: principalID,
		Key:         key,
		Value:       value,
		UpdatedAt:   e.now().UTC().Format(time.RFC3339),
	})
}

// CheckProjectQuota gates project creation on the subscription tier: a free
// principal may hold at most one active project as admin.
func (e Engine) CheckProjectQuota(ctx context.Context, principalID string) error {
	p, err := e.Repo.GetPrincipal(ctx, principalID)
	if err != nil {
		return err
	}
	if p.Subscription == domain.TierPremium {
		return nil
	}
	n, err := e.Repo.CountActiveAdminProjects(ctx, principalID)
	if err != nil {
		return err
	}
	if n >= 1 {
		return ErrQuotaExceeded
	}
	return nil
}

type ProjectCreateOptions struct {
	Name        string
	Description string
	ChatID      string
	AdminID     string
}

// CreateProject persists a project and grants the creator the admin role in
// one transaction.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if opts.ChatID == "" {
		return domain.Project{}, errors.New("chat is required")
	}
	if _, err := e.Repo.ActiveProjectByChat(ctx, opts.ChatID); err == nil {
		return domain.Project{}, fmt.Errorf("chat already has an active project: %w", repo.ErrConflict)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	p := domain.Project{
		ID:          uuid.New().String(),
		Name:        opts.Name,
		Description: opts.Description,
		Status:      domain.ProjectActive,
		ChatID:      opts.ChatID,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.AddMemberTx(ctx, tx, domain.Membership{ProjectID: p.ID, PrincipalID: opts.AdminID, Role: domain.RoleAdmin}); err != nil {
		return domain.Project{}, fmt.Errorf("assign admin: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, opts.AdminID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.Log.Info("project created", zap.String("project", p.ID), zap.String("admin", opts.AdminID))
	return p, nil
}

// AddMember attaches a registered principal to a project with the member role.
func (e Engine) AddMember(ctx context.Context, projectID, principalID string) error {
	if _, err := e.Repo.GetPrincipal(ctx, principalID); err != nil {
		return err
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.AddMemberTx(ctx, tx, domain.Membership{ProjectID: projectID, PrincipalID: principalID, Role: domain.RoleMember}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "member.added", projectID, "membership", principalID, principalID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// TerminateProject marks the project terminated and cascades deletion of its
// tasks and membership rows. Only the admin may terminate.
func (e Engine) TerminateProject(ctx context.Context, projectID, principalID string) error {
	m, err := e.Repo.GetMembership(ctx, projectID, principalID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotAdmin
		}
		return err
	}
	if m.Role != domain.RoleAdmin {
		return ErrNotAdmin
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProjectTasksTx(ctx, tx, projectID); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	if err := e.Repo.DeleteMembershipsTx(ctx, tx, projectID); err != nil {
		return fmt.Errorf("delete memberships: %w", err)
	}
	if err := e.Repo.MarkProjectTerminatedTx(ctx, tx, projectID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.terminated", projectID, "project", projectID, principalID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Info("project terminated", zap.String("project", projectID), zap.String("by", principalID))
	return nil
}

type TaskCreateOptions struct {
	ProjectID   string
	CustomID    string
	Name        string
	Description string
	Deadline    time.Time
	CreatorID   string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.CustomID == "" || opts.Name == "" {
		return domain.Task{}, errors.New("identifier and name are required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Repo.GetTaskByCustomID(ctx, opts.ProjectID, opts.CustomID); err == nil {
		return domain.Task{}, fmt.Errorf("task %s already exists: %w", opts.CustomID, repo.ErrConflict)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:          uuid.New().String(),
		ProjectID:   opts.ProjectID,
		CustomID:    opts.CustomID,
		Name:        opts.Name,
		Description: opts.Description,
		Status:      domain.TaskAssigned,
		Deadline:    opts.Deadline.UTC().Format(time.RFC3339),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", t.ID, opts.CreatorID, events.EventPayload{"custom_id": t.CustomID, "name": t.Name}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AssignTask persists the chosen assignee.
func (e Engine) AssignTask(ctx context.Context, taskID, assigneeID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetAssigneeTx(ctx, tx, taskID, assigneeID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.assigned", "", "task", taskID, actorID, events.EventPayload{"assignee": assigneeID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) UpdateTaskStatus(ctx context.Context, taskID, status, actorID string) (domain.Task, error) {
	switch status {
	case domain.TaskAssigned, domain.TaskInProgress, domain.TaskDone:
	default:
		return domain.Task{}, fmt.Errorf("invalid task status %s", status)
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, taskID, status, now); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, "task", t.ID, actorID, events.EventPayload{
		"from_status": t.Status,
		"to_status":   status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = status
	t.UpdatedAt = now
	return t, nil
}

func (e Engine) ExtendDeadline(ctx context.Context, taskID string, deadline time.Time, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	dl := deadline.UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTaskDeadlineTx(ctx, tx, taskID, dl, now); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, "task", t.ID, actorID, events.EventPayload{
		"from_deadline": t.Deadline,
		"to_deadline":   dl,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Deadline = dl
	t.UpdatedAt = now
	return t, nil
}

// MemberTasks lists the tasks assigned to one principal within a project.
func (e Engine) MemberTasks(ctx context.Context, projectID, principalID string) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID, AssigneeID: principalID})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
