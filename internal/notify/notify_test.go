package notify_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"taskpilot/internal/domain"
	"taskpilot/internal/notify"
	"taskpilot/internal/oracle"
)

type stubGen struct {
	text   string
	err    error
	prompt string
}

func (g *stubGen) Generate(ctx context.Context, prompt string) (string, error) {
	g.prompt = prompt
	return g.text, g.err
}

func overdue() notify.OverdueContext {
	return notify.OverdueContext{
		Task:     domain.Task{ID: "t1", CustomID: "T1", Name: "Fix bug", Deadline: "2026-01-01T00:00:00Z"},
		Project:  domain.Project{ID: "p", Name: "Proj", ChatID: "g1"},
		Assignee: &domain.Principal{ID: "p1", DisplayName: "Alice"},
		Members: []domain.Membership{
			{ProjectID: "p", PrincipalID: "p1", Role: "admin"},
			{ProjectID: "p", PrincipalID: "p2", Role: "member"},
		},
		ProjectTasks: []domain.Task{
			{ID: "t1", CustomID: "T1", Name: "Fix bug", Status: "assigned"},
			{ID: "t2", CustomID: "T2", Name: "Write docs", Status: "done"},
		},
	}
}

func TestRenderUsesGenerator(t *testing.T) {
	r := notify.NewRenderer(&stubGen{text: "Hey Alice, T1 is late!"}, nil)
	got := r.Render(context.Background(), overdue())
	assert.Equal(t, "Hey Alice, T1 is late!", got)
}

func TestRenderPromptCarriesProjectPicture(t *testing.T) {
	gen := &stubGen{text: "ok"}
	r := notify.NewRenderer(gen, nil)
	r.Render(context.Background(), overdue())
	assert.Contains(t, gen.prompt, "p1 (admin)")
	assert.Contains(t, gen.prompt, "p2 (member)")
	assert.Contains(t, gen.prompt, "T2 Write docs [done]")
}

func TestRenderFallsBackOnGeneratorError(t *testing.T) {
	r := notify.NewRenderer(&stubGen{err: oracle.ErrUnavailable}, nil)
	got := r.Render(context.Background(), overdue())
	assert.Contains(t, got, "Alice")
	assert.Contains(t, got, "T1")
	assert.Contains(t, got, "Proj")
}

func TestRenderWithoutGenerator(t *testing.T) {
	r := notify.NewRenderer(nil, nil)
	got := r.Render(context.Background(), overdue())
	assert.Contains(t, got, "Fix bug")
	assert.Contains(t, got, "2026-01-01T00:00:00Z")
}

func TestRenderUnassignedMentionsPendingAssignment(t *testing.T) {
	r := notify.NewRenderer(nil, nil)
	oc := overdue()
	oc.Assignee = nil
	got := r.Render(context.Background(), oc)
	assert.Contains(t, got, "Fix bug")
	assert.Contains(t, got, "Assignment pending")
}

func TestAssigneeNameFallsBackToUsername(t *testing.T) {
	r := notify.NewRenderer(nil, nil)
	oc := overdue()
	oc.Assignee = &domain.Principal{ID: "p1", Username: "alice"}
	got := r.Render(context.Background(), oc)
	assert.Contains(t, got, "@alice")
}
