// Package assign chooses an assignee for a task by matching it against the
// declared skill profiles of the project's members.
package assign

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"taskpilot/internal/domain"
	"taskpilot/internal/oracle"
	"taskpilot/internal/repo"
)

// ErrNoCandidates means the project has no members to assign to.
var ErrNoCandidates = errors.New("no assignable members")

type Engine struct {
	Repo   repo.Repo
	Scorer oracle.Scorer
	Log    *zap.Logger
}

func New(r repo.Repo, scorer oracle.Scorer, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{Repo: r, Scorer: scorer, Log: log}
}

// SelectAssignee picks the best-fit member for the task. The scoring oracle
// decides; if it is unavailable the deterministic fallback picks the member
// with the fewest open tasks. An oracle answer that parses but names no
// current member is a failure the caller must surface, never a silent
// default.
func (e *Engine) SelectAssignee(ctx context.Context, project domain.Project, task domain.Task) (string, error) {
	candidates, err := e.Repo.SkillsByProject(ctx, project.ID)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}
	id, err := e.Scorer.Score(ctx, task.Name, task.Description, candidates)
	if err != nil {
		if errors.Is(err, oracle.ErrUnavailable) {
			e.Log.Warn("scoring oracle unavailable, using fallback",
				zap.String("task", task.ID), zap.Error(err))
			return e.fallback(ctx, project.ID, candidates)
		}
		return "", err
	}
	// The roster check is not redundant with the oracle layer: a raw answer
	// can name a valid global id that is not a member of this project.
	if _, ok := candidates[id]; !ok {
		return "", fmt.Errorf("%w: %s is not a member of project %s", oracle.ErrUnparsable, id, project.ID)
	}
	return id, nil
}

// fallback selects the member with the fewest open tasks, ties broken by
// smallest id so repeated calls stay deterministic.
func (e *Engine) fallback(ctx context.Context, projectID string, candidates map[string][]domain.Skill) (string, error) {
	open, err := e.Repo.CountOpenTasksByAssignee(ctx, projectID)
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	best := ids[0]
	for _, id := range ids[1:] {
		if open[id] < open[best] {
			best = id
		}
	}
	return best, nil
}
