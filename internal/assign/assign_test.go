package assign_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/assign"
	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/engine"
	"taskpilot/internal/migrate"
	"taskpilot/internal/oracle"
)

type stubScorer struct {
	answer string
	err    error
	calls  int
}

func (s *stubScorer) Score(ctx context.Context, taskName, taskDesc string, candidates map[string][]domain.Skill) (string, error) {
	s.calls++
	return s.answer, s.err
}

type testEnv struct {
	Core    engine.Engine
	Project domain.Project
	Task    domain.Task
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	core := engine.New(conn, nil)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := core.RegisterPrincipal(ctx, id, "u_"+id, "User "+id)
		require.NoError(t, err)
	}
	project, err := core.CreateProject(ctx, engine.ProjectCreateOptions{
		Name: "Proj", ChatID: "g1", AdminID: "p1",
	})
	require.NoError(t, err)
	require.NoError(t, core.AddMember(ctx, project.ID, "p2"))
	require.NoError(t, core.AddMember(ctx, project.ID, "p3"))
	require.NoError(t, core.UpsertSkill(ctx, "p2", "language", "Go"))
	require.NoError(t, core.UpsertSkill(ctx, "p3", "testing", "4"))

	task, err := core.CreateTask(ctx, engine.TaskCreateOptions{
		ProjectID: project.ID, CustomID: "T1", Name: "Fix bug", Description: "desc",
		Deadline: time.Now().Add(24 * time.Hour), CreatorID: "p1",
	})
	require.NoError(t, err)
	return testEnv{Core: core, Project: project, Task: task, Ctx: ctx}
}

func TestSelectAssigneeUsesScorer(t *testing.T) {
	env := newTestEnv(t)
	scorer := &stubScorer{answer: "p2"}
	eng := assign.New(env.Core.Repo, scorer, nil)

	id, err := eng.SelectAssignee(env.Ctx, env.Project, env.Task)
	require.NoError(t, err)
	assert.Equal(t, "p2", id)
	assert.Equal(t, 1, scorer.calls)
}

func TestSelectAssigneeRejectsNonMember(t *testing.T) {
	env := newTestEnv(t)
	// "p9" is a valid-looking global id but not a member of this project
	scorer := &stubScorer{answer: "p9"}
	eng := assign.New(env.Core.Repo, scorer, nil)

	_, err := eng.SelectAssignee(env.Ctx, env.Project, env.Task)
	assert.ErrorIs(t, err, oracle.ErrUnparsable)
}

func TestSelectAssigneeSurfacesUnparsable(t *testing.T) {
	env := newTestEnv(t)
	scorer := &stubScorer{err: oracle.ErrUnparsable}
	eng := assign.New(env.Core.Repo, scorer, nil)

	_, err := eng.SelectAssignee(env.Ctx, env.Project, env.Task)
	assert.ErrorIs(t, err, oracle.ErrUnparsable,
		"an unusable answer is a failure, never a silent default")
}

func TestFallbackOnUnavailable(t *testing.T) {
	env := newTestEnv(t)
	// load p1 and p2 with open tasks so p3 is least assigned
	require.NoError(t, env.Core.AssignTask(env.Ctx, env.Task.ID, "p1", "p1"))
	t2, err := env.Core.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID, CustomID: "T2", Name: "other",
		Deadline: time.Now().Add(24 * time.Hour), CreatorID: "p1",
	})
	require.NoError(t, err)
	require.NoError(t, env.Core.AssignTask(env.Ctx, t2.ID, "p2", "p1"))

	scorer := &stubScorer{err: oracle.ErrUnavailable}
	eng := assign.New(env.Core.Repo, scorer, nil)
	id, err := eng.SelectAssignee(env.Ctx, env.Project, env.Task)
	require.NoError(t, err)
	assert.Equal(t, "p3", id)
}

func TestFallbackIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	scorer := &stubScorer{err: oracle.ErrUnavailable}
	eng := assign.New(env.Core.Repo, scorer, nil)

	first, err := eng.SelectAssignee(env.Ctx, env.Project, env.Task)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := eng.SelectAssignee(env.Ctx, env.Project, env.Task)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
