// Package sweep periodically scans for overdue tasks and sends reminders to
// their project chats.
package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskpilot/internal/domain"
	"taskpilot/internal/notify"
	"taskpilot/internal/repo"
)

// Report counts the outcome of one pass.
type Report struct {
	Scanned  int
	Notified int
	Failed   int
}

type Sweeper struct {
	Repo        repo.Repo
	Renderer    *notify.Renderer
	Notifier    notify.Notifier
	Log         *zap.Logger
	Now         func() time.Time
	Concurrency int
}

func New(r repo.Repo, renderer *notify.Renderer, n notify.Notifier, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{Repo: r, Renderer: renderer, Notifier: n, Log: log, Concurrency: 4}
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Run executes a single pass. A task that fails to render or send is counted
// and logged but never stops the rest of the batch.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	tasks, err := s.Repo.ListOverdueTasks(ctx, s.now().Format(time.RFC3339))
	if err != nil {
		return Report{}, err
	}
	rep := Report{Scanned: len(tasks)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			ok := s.remind(gctx, t)
			mu.Lock()
			if ok {
				rep.Notified++
			} else {
				rep.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	return rep, nil
}

// remind builds the notification context for one overdue task and sends the
// rendered reminder to the project chat. Unassigned tasks get a reminder too,
// flagged as pending assignment.
func (s *Sweeper) remind(ctx context.Context, t domain.Task) bool {
	project, err := s.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		s.Log.Warn("overdue sweep: project lookup failed",
			zap.String("task", t.ID), zap.Error(err))
		return false
	}
	members, err := s.Repo.ListMembers(ctx, t.ProjectID)
	if err != nil {
		s.Log.Warn("overdue sweep: member lookup failed",
			zap.String("task", t.ID), zap.Error(err))
		return false
	}
	projectTasks, err := s.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: t.ProjectID})
	if err != nil {
		s.Log.Warn("overdue sweep: task roster lookup failed",
			zap.String("task", t.ID), zap.Error(err))
		return false
	}
	var assignee *domain.Principal
	if t.AssigneeID != nil {
		p, err := s.Repo.GetPrincipal(ctx, *t.AssigneeID)
		if err != nil {
			s.Log.Warn("overdue sweep: assignee lookup failed",
				zap.String("task", t.ID), zap.Error(err))
			return false
		}
		assignee = &p
	}
	text := s.Renderer.Render(ctx, notify.OverdueContext{
		Task:         t,
		Project:      project,
		Assignee:     assignee,
		Members:      members,
		ProjectTasks: projectTasks,
	})
	if err := s.Notifier.Notify(ctx, project.ChatID, text); err != nil {
		s.Log.Warn("overdue sweep: notify failed",
			zap.String("task", t.ID), zap.String("chat", project.ChatID), zap.Error(err))
		return false
	}
	return true
}

// RunEvery repeats Run at the given interval until the context is cancelled.
func (s *Sweeper) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := s.Run(ctx)
			if err != nil {
				s.Log.Error("overdue sweep pass failed", zap.Error(err))
				continue
			}
			if rep.Scanned > 0 {
				s.Log.Info("overdue sweep pass",
					zap.Int("scanned", rep.Scanned),
					zap.Int("notified", rep.Notified),
					zap.Int("failed", rep.Failed))
			}
		}
	}
}
