package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"taskpilot/internal/assign"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/engine"
	"taskpilot/internal/flow"
	"taskpilot/internal/intent"
	"taskpilot/internal/migrate"
	"taskpilot/internal/notify"
	"taskpilot/internal/oracle"
	"taskpilot/internal/session"
	"taskpilot/internal/sweep"
)

const testSecret = "test-secret"

type noScorer struct{}

func (noScorer) Score(ctx context.Context, n, d string, c map[string][]domain.Skill) (string, error) {
	return "", oracle.ErrUnavailable
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, chatID, text string) error { return nil }

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	core := engine.New(conn, nil)
	sessions := session.NewStore(time.Hour)
	flows := flow.New(core, sessions, assign.New(core.Repo, noScorer{}, nil), config.DeadlineLayout, nil)
	router := intent.NewRouter(flows, nil, nil, config.DeadlineLayout, nil)
	sweeper := sweep.New(core.Repo, notify.NewRenderer(nil, nil), noopNotifier{}, nil)

	handler, err := New(Config{
		Engine:   core,
		Router:   router,
		Sweeper:  sweeper,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: core,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, ts *testServer, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts, http.MethodGet, "/v1/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	res, _ := doJSON(t, ts, http.MethodGet, "/v1/projects", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, ts, http.MethodGet, "/v1/projects", nil, "not-a-token")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.StatusCode)
	}
}

func TestListProjects(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	if _, err := ts.Engine.RegisterPrincipal(ctx, "p1", "u", "U"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := ts.Engine.CreateProject(ctx, engine.ProjectCreateOptions{
		Name: "Proj", ChatID: "g1", AdminID: "p1",
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	res, data := doJSON(t, ts, http.MethodGet, "/v1/projects", nil, signToken(t, "ops"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var projects []ProjectResponse
	if err := json.Unmarshal(data, &projects); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(projects) != 1 || projects[0].Name != "Proj" {
		t.Fatalf("unexpected projects: %s", data)
	}
}

func TestDispatchEventWebhook(t *testing.T) {
	ts := newTestServer(t)
	token := signToken(t, "adapter")

	res, data := doJSON(t, ts, http.MethodPost, "/v1/events", EventRequest{
		Chat: "p1", Kind: "private", Principal: "p1", Text: "/register",
	}, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status %d: %s", res.StatusCode, data)
	}
	var out DispatchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Kind != "terminal" || len(out.Messages) != 1 {
		t.Fatalf("unexpected dispatch result: %s", data)
	}
	if !strings.Contains(out.Messages[0].Text, "Welcome") {
		t.Fatalf("unexpected reply: %s", out.Messages[0].Text)
	}
	if _, err := ts.Engine.Repo.GetPrincipal(context.Background(), "p1"); err != nil {
		t.Fatalf("principal not registered: %v", err)
	}
}

func TestDispatchEventRejectsBadKind(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts, http.MethodPost, "/v1/events", EventRequest{
		Chat: "p1", Kind: "broadcast", Principal: "p1", Text: "hi",
	}, signToken(t, "adapter"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, data)
	}
}

func TestSweepEndpoint(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts, http.MethodPost, "/v1/sweep", nil, signToken(t, "ops"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep status %d: %s", res.StatusCode, data)
	}
	var rep SweepResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.Scanned != 0 {
		t.Fatalf("expected empty sweep, got %+v", rep)
	}
}
