package intent_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/assign"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/engine"
	"taskpilot/internal/flow"
	"taskpilot/internal/intent"
	"taskpilot/internal/migrate"
	"taskpilot/internal/oracle"
	"taskpilot/internal/session"
	"taskpilot/internal/transport"
)

type stubClassifier struct {
	intent string
	err    error
}

func (s *stubClassifier) Classify(ctx context.Context, text string) (string, error) {
	return s.intent, s.err
}

type stubExtractor struct {
	fields oracle.Fields
	err    error
}

func (s *stubExtractor) Extract(ctx context.Context, intent, text string) (oracle.Fields, error) {
	return s.fields, s.err
}

type stubScorer struct{}

func (stubScorer) Score(ctx context.Context, n, d string, c map[string][]domain.Skill) (string, error) {
	return "", oracle.ErrUnavailable
}

type testEnv struct {
	Core       engine.Engine
	Sessions   *session.Store
	Router     *intent.Router
	Classifier *stubClassifier
	Extractor  *stubExtractor
	Ctx        context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	core := engine.New(conn, nil)
	sessions := session.NewStore(time.Hour)
	flows := flow.New(core, sessions, assign.New(core.Repo, stubScorer{}, nil), config.DeadlineLayout, nil)
	classifier := &stubClassifier{intent: "help"}
	extractor := &stubExtractor{}
	router := intent.NewRouter(flows, classifier, extractor, config.DeadlineLayout, nil)
	return &testEnv{Core: core, Sessions: sessions, Router: router, Classifier: classifier, Extractor: extractor, Ctx: context.Background()}
}

func groupEvent(principal, text string) transport.Event {
	return transport.Event{Chat: "g1", Kind: transport.ChatGroup, Principal: principal, Text: text}
}

func privateEvent(principal, text string) transport.Event {
	return transport.Event{Chat: principal, Kind: transport.ChatPrivate, Principal: principal, Text: text}
}

func TestClassifyDegradesToHelp(t *testing.T) {
	env := newTestEnv(t)
	env.Classifier.err = oracle.ErrUnavailable
	assert.Equal(t, "help", env.Router.Classify(env.Ctx, "whatever"))

	env.Classifier.err = nil
	env.Classifier.intent = "order_pizza"
	assert.Equal(t, "help", env.Router.Classify(env.Ctx, "whatever"))

	env.Classifier.intent = "create_project"
	assert.Equal(t, "create_project", env.Router.Classify(env.Ctx, "let's build"))
}

func TestDispatchRegisterCommand(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Router.Dispatch(env.Ctx, privateEvent("p1", "/register"))
	require.NoError(t, err)
	require.Equal(t, flow.Terminal, res.Kind)

	p, err := env.Core.Repo.GetPrincipal(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, p.Subscription)
}

func TestDispatchRoutesActiveSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Core.RegisterPrincipal(env.Ctx, "p1", "u", "U")
	require.NoError(t, err)

	res, err := env.Router.Dispatch(env.Ctx, privateEvent("p1", "/skills"))
	require.NoError(t, err)
	require.Equal(t, flow.Prompt, res.Kind)

	// free text mid-session is a step answer, not a new classification
	env.Classifier.intent = "create_project"
	res, err = env.Router.Dispatch(env.Ctx, privateEvent("p1", "Go"))
	require.NoError(t, err)
	assert.Equal(t, flow.Prompt, res.Kind)
	s, err := env.Sessions.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, flow.RegisterSkills, s.Flow)
	assert.Equal(t, "Go", s.Answers["language"])
}

func TestDispatchCallbackUsesOwnerKey(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"p1", "p2"} {
		_, err := env.Core.RegisterPrincipal(env.Ctx, id, "u_"+id, "U "+id)
		require.NoError(t, err)
	}
	p, err := env.Core.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name: "Proj", ChatID: "g1", AdminID: "p1",
	})
	require.NoError(t, err)
	require.NoError(t, env.Core.AddMember(env.Ctx, p.ID, "p2"))

	res, err := env.Router.Dispatch(env.Ctx, groupEvent("p1", "/terminate"))
	require.NoError(t, err)
	require.Equal(t, flow.Prompt, res.Kind)
	require.NotEmpty(t, res.Messages[0].Choices)

	cb, err := transport.ParseCallback(res.Messages[0].Choices[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "p1", cb.Owner)

	// p2 pressing p1's button reaches p1's session and is refused there
	ev := groupEvent("p2", "")
	ev.Callback = &cb
	res, err = env.Router.Dispatch(env.Ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, flow.Rejected, res.Kind)

	ev = groupEvent("p1", "")
	ev.Callback = &cb
	res, err = env.Router.Dispatch(env.Ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, flow.Terminal, res.Kind)
}

func TestExtractionPreseedsAndStartsAtFirstMissing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Core.RegisterPrincipal(env.Ctx, "p1", "u", "U")
	require.NoError(t, err)
	env.Classifier.intent = "create_project"
	env.Extractor.fields = oracle.Fields{"name": "Skynet"}

	res, err := env.Router.Dispatch(env.Ctx, groupEvent("p1", "start a project called Skynet"))
	require.NoError(t, err)
	require.Equal(t, flow.Prompt, res.Kind)

	s, err := env.Sessions.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "Skynet", s.Answers["name"])
	assert.Equal(t, "description", s.Step, "flow must start at the first missing field")
}

func TestIncompleteExtractionReentersSkippedStep(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Core.RegisterPrincipal(env.Ctx, "p1", "u", "U")
	require.NoError(t, err)
	env.Classifier.intent = "create_project"
	// description without name: the name step must still run
	env.Extractor.fields = oracle.Fields{"description": "a thing"}

	_, err = env.Router.Dispatch(env.Ctx, groupEvent("p1", "build me a thing"))
	require.NoError(t, err)

	s, err := env.Sessions.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "name", s.Step)
	assert.Equal(t, "a thing", s.Answers["description"])
}

func TestExtractionFailureStartsAtEntry(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Core.RegisterPrincipal(env.Ctx, "p1", "u", "U")
	require.NoError(t, err)
	env.Classifier.intent = "create_project"
	env.Extractor.err = oracle.ErrUnavailable

	res, err := env.Router.Dispatch(env.Ctx, groupEvent("p1", "make a project"))
	require.NoError(t, err)
	require.Equal(t, flow.Prompt, res.Kind)

	s, err := env.Sessions.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "name", s.Step)
	assert.Empty(t, s.Answers)
}

func TestInvalidExtractedDeadlineCountsAsMissing(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"p1"} {
		_, err := env.Core.RegisterPrincipal(env.Ctx, id, "u", "U")
		require.NoError(t, err)
	}
	_, err := env.Core.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name: "Proj", ChatID: "g1", AdminID: "p1",
	})
	require.NoError(t, err)
	env.Classifier.intent = "create_task"
	env.Extractor.fields = oracle.Fields{
		"custom_id": "T1", "name": "Fix", "description": "d", "deadline": "2001-01-01 00:00",
	}

	_, err = env.Router.Dispatch(env.Ctx, groupEvent("p1", "make a task"))
	require.NoError(t, err)

	s, err := env.Sessions.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "deadline", s.Step, "a past extracted deadline must not be trusted")
	assert.NotContains(t, s.Answers, "deadline")
	assert.Equal(t, "T1", s.Answers["custom_id"])
}

func TestHelpListsCommands(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Router.Dispatch(env.Ctx, privateEvent("p1", "/help"))
	require.NoError(t, err)
	require.Equal(t, flow.Terminal, res.Kind)
	assert.True(t, strings.Contains(res.Messages[0].Text, "/new_project"))
}

func TestJoinCommandAddsMember(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Core.RegisterPrincipal(env.Ctx, "p1", "a", "Admin")
	require.NoError(t, err)
	_, err = env.Core.RegisterPrincipal(env.Ctx, "p2", "b", "Bea")
	require.NoError(t, err)
	p, err := env.Core.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name: "Proj", ChatID: "g1", AdminID: "p1",
	})
	require.NoError(t, err)

	res, err := env.Router.Dispatch(env.Ctx, privateEvent("p2", "/join"))
	require.NoError(t, err)
	assert.Contains(t, res.Messages[0].Text, "group chat")

	res, err = env.Router.Dispatch(env.Ctx, groupEvent("p2", "/join"))
	require.NoError(t, err)
	require.Equal(t, flow.Terminal, res.Kind)
	assert.Contains(t, res.Messages[0].Text, "Proj")
	m, err := env.Core.Repo.GetMembership(env.Ctx, p.ID, "p2")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleMember, m.Role)

	res, err = env.Router.Dispatch(env.Ctx, groupEvent("p2", "/join"))
	require.NoError(t, err)
	assert.Contains(t, res.Messages[0].Text, "already a member")

	res, err = env.Router.Dispatch(env.Ctx, groupEvent("p9", "/join"))
	require.NoError(t, err)
	assert.Contains(t, res.Messages[0].Text, "/register")
}

func TestJoinWithoutActiveProject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Core.RegisterPrincipal(env.Ctx, "p1", "a", "Admin")
	require.NoError(t, err)
	res, err := env.Router.Dispatch(env.Ctx, groupEvent("p1", "/join"))
	require.NoError(t, err)
	assert.Contains(t, res.Messages[0].Text, "No active project")
}

func TestListTasksOneShot(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Core.RegisterPrincipal(env.Ctx, "p1", "u", "U")
	require.NoError(t, err)
	p, err := env.Core.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name: "Proj", ChatID: "g1", AdminID: "p1",
	})
	require.NoError(t, err)
	task, err := env.Core.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: p.ID, CustomID: "T1", Name: "work",
		Deadline: time.Now().Add(time.Hour), CreatorID: "p1",
	})
	require.NoError(t, err)
	require.NoError(t, env.Core.AssignTask(env.Ctx, task.ID, "p1", "p1"))

	res, err := env.Router.Dispatch(env.Ctx, groupEvent("p1", "/tasks"))
	require.NoError(t, err)
	require.Equal(t, flow.Terminal, res.Kind)
	assert.Contains(t, res.Messages[0].Text, "T1")
}

func TestUnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Router.Dispatch(env.Ctx, privateEvent("p1", "/frobnicate"))
	require.NoError(t, err)
	assert.Equal(t, flow.Terminal, res.Kind)
	assert.False(t, errors.Is(err, oracle.ErrUnavailable))
}
