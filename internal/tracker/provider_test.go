package tracker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/pkg/models"
)

// recorder captures "METHOD path" for each request a fake server receives.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req.Method+" "+req.URL.Path)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestNew_lookupTable(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"asana", "github", "jira", "linear"}, ProviderIDs())
	for _, id := range ProviderIDs() {
		p, err := New(id, Config{Token: "t"})
		require.NoError(t, err)
		assert.Equal(t, id, p.ID())
	}
	_, err := New("trello", Config{Token: "t"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = New("jira", Config{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRegistry_List(t *testing.T) {
	t.Parallel()
	p, err := New("github", Config{Token: "t"})
	require.NoError(t, err)
	reg := NewRegistry(p)
	var configured []string
	for _, s := range reg.List() {
		if s.Configured {
			configured = append(configured, s.ID)
		}
	}
	assert.Equal(t, []string{"github"}, configured)
	reg.Replace()
	_, err = reg.Get("github")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLocalStatus(t *testing.T) {
	t.Parallel()
	assert.Equal(t, models.StoryInProgress, LocalStatus(StateInProgress))
	assert.Equal(t, models.StoryCompleted, LocalStatus(StateDone))
	assert.Equal(t, models.StoryPending, LocalStatus(StateTodo))
	assert.Equal(t, models.StoryPending, LocalStatus("anything"))
}

func TestJira(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "me@example.com" || pass != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/rest/api/3/search":
			assert.Contains(t, r.URL.Query().Get("jql"), `project = "PROJ"`)
			_, _ = io.WriteString(w, `{"issues":[{"id":"10","key":"PROJ-1","fields":{"summary":"Login",
				"description":{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Email sign in"}]}]},
				"status":{"name":"In Review","statusCategory":{"key":"indeterminate"}},"priority":{"name":"Highest"}}}]}`)
		case r.URL.Path == "/rest/api/3/issue/PROJ-1/comment":
			w.WriteHeader(http.StatusCreated)
		case r.URL.Path == "/rest/api/3/issue/PROJ-1/transitions" && r.Method == http.MethodGet:
			_, _ = io.WriteString(w, `{"transitions":[{"id":"11","to":{"statusCategory":{"key":"indeterminate"}}},{"id":"31","to":{"statusCategory":{"key":"done"}}}]}`)
		case r.URL.Path == "/rest/api/3/issue/PROJ-1/transitions":
			var body map[string]map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "31", body["transition"]["id"])
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p, err := New("jira", Config{BaseURL: srv.URL, Email: "me@example.com", Token: "tok"})
	require.NoError(t, err)
	ctx := context.Background()

	issues, err := p.ListIssues(ctx, "PROJ", ListOptions{MaxResults: 10})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	is := issues[0]
	assert.Equal(t, "PROJ-1", is.ExternalID)
	assert.Equal(t, "Email sign in", is.Description)
	assert.Equal(t, StateInProgress, is.State)
	assert.Equal(t, "In Review", is.RawStatus)
	assert.Equal(t, models.PriorityCritical, is.Priority)
	assert.Equal(t, srv.URL+"/browse/PROJ-1", is.URL)

	require.NoError(t, p.PushStatus(ctx, "PROJ-1", models.StoryCompleted, "all checks passed"))
	assert.Equal(t, []string{
		"GET /rest/api/3/search",
		"POST /rest/api/3/issue/PROJ-1/comment",
		"GET /rest/api/3/issue/PROJ-1/transitions",
		"POST /rest/api/3/issue/PROJ-1/transitions",
	}, rec.list())

	var se *StatusError
	err = p.TestConnection(ctx)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestLinear(t *testing.T) {
	t.Parallel()
	var queries []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "lin_key", r.Header.Get("Authorization"))
		var body struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		queries = append(queries, body.Query)
		mu.Unlock()
		switch {
		case strings.Contains(body.Query, "issues("):
			assert.Equal(t, "ENG", body.Variables["key"])
			_, _ = io.WriteString(w, `{"data":{"issues":{"nodes":[
				{"id":"u1","identifier":"ENG-1","title":"Cache","url":"https://linear.app/x/ENG-1","priority":2,"state":{"name":"Todo","type":"unstarted"}},
				{"id":"u2","identifier":"ENG-2","title":"Old","priority":0,"state":{"name":"Canceled","type":"canceled"}}]}}}`)
		case strings.Contains(body.Query, "viewer"):
			_, _ = io.WriteString(w, `{"errors":[{"message":"Authentication required"}]}`)
		default:
			_, _ = io.WriteString(w, `{"data":{}}`)
		}
	}))
	defer srv.Close()

	p, err := New("linear", Config{BaseURL: srv.URL, Token: "lin_key"})
	require.NoError(t, err)
	ctx := context.Background()

	issues, err := p.ListIssues(ctx, "ENG", ListOptions{})
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, "ENG-1", issues[0].ExternalID)
	assert.Equal(t, StateTodo, issues[0].State)
	assert.Equal(t, models.PriorityHigh, issues[0].Priority)
	assert.Equal(t, StateDone, issues[1].State)
	assert.Equal(t, "", issues[1].Priority)

	err = p.TestConnection(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Authentication required")

	_, err = p.GetIssue(ctx, "ENG-9")
	require.Error(t, err, "null issue is not found")
}

func TestGitHub(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		assert.Equal(t, "Bearer gh", r.Header.Get("Authorization"))
		switch {
		case r.URL.Path == "/repos/o/r/issues" && r.Method == http.MethodGet:
			_, _ = io.WriteString(w, `[
				{"number":1,"title":"Bug","state":"open","html_url":"https://github.com/o/r/issues/1","labels":[{"name":"in progress"},{"name":"priority: low"}]},
				{"number":2,"title":"PR","state":"open","pull_request":{}},
				{"number":3,"title":"Done","state":"closed","labels":[]}]`)
		case r.URL.Path == "/repos/o/r/issues/1" && r.Method == http.MethodGet:
			_, _ = io.WriteString(w, `{"number":1,"title":"Bug","state":"open","labels":[]}`)
		case r.URL.Path == "/repos/o/r/issues/1/comments":
			w.WriteHeader(http.StatusCreated)
		case r.URL.Path == "/repos/o/r/issues/1" && r.Method == http.MethodPatch:
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "closed", body["state"])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p, err := New("github", Config{BaseURL: srv.URL, Token: "gh"})
	require.NoError(t, err)
	ctx := context.Background()

	issues, err := p.ListIssues(ctx, "o/r", ListOptions{})
	require.NoError(t, err)
	require.Len(t, issues, 2, "pull requests are skipped")
	assert.Equal(t, "o/r#1", issues[0].ExternalID)
	assert.Equal(t, StateInProgress, issues[0].State)
	assert.Equal(t, models.PriorityLow, issues[0].Priority)
	assert.Equal(t, StateDone, issues[1].State)

	is, err := p.GetIssue(ctx, "o/r#1")
	require.NoError(t, err)
	assert.Equal(t, StateTodo, is.State)
	_, err = p.GetIssue(ctx, "no-number")
	require.Error(t, err)

	require.NoError(t, p.PushStatus(ctx, "o/r#1", models.StoryFailed, "tests failed"))
	require.NoError(t, p.PushStatus(ctx, "o/r#1", models.StoryCompleted, ""))
	calls := rec.list()
	assert.Equal(t, "POST /repos/o/r/issues/1/comments", calls[2])
	assert.Equal(t, "POST /repos/o/r/issues/1/comments", calls[3])
	assert.Equal(t, "PATCH /repos/o/r/issues/1", calls[4])
	assert.Len(t, calls, 5)
}

func TestAsana(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		switch r.URL.Path {
		case "/projects":
			assert.Equal(t, "ws1", r.URL.Query().Get("workspace"))
			_, _ = io.WriteString(w, `{"data":[{"gid":"p1","name":"Roadmap"}]}`)
		case "/projects/p1/tasks":
			_, _ = io.WriteString(w, `{"data":[{"gid":"t1","name":"Write docs","notes":"n","completed":false},{"gid":"t2","name":"Ship","completed":true}]}`)
		case "/tasks/t1/stories":
			w.WriteHeader(http.StatusCreated)
		case "/tasks/t1":
			var body map[string]map[string]bool
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.True(t, body["data"]["completed"])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p, err := New("asana", Config{BaseURL: srv.URL, Token: "as", Workspace: "ws1"})
	require.NoError(t, err)
	ctx := context.Background()

	projects, err := p.ListProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Project{{ID: "p1", Key: "p1", Name: "Roadmap"}}, projects)

	issues, err := p.ListIssues(ctx, "p1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, StateTodo, issues[0].State)
	assert.Equal(t, StateDone, issues[1].State)

	require.NoError(t, p.PushStatus(ctx, "t1", models.StoryCompleted, "done"))
	assert.Equal(t, []string{"GET /projects", "GET /projects/p1/tasks", "POST /tasks/t1/stories", "PUT /tasks/t1"}, rec.list())
}

func TestAdfText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "plain", adfText("plain"))
	assert.Equal(t, "", adfText(nil))
	doc := adfDoc("first\n\nsecond")
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	var back any
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "first\nsecond", adfText(back))
}
