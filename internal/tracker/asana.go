package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/airgap/maude-sub003/pkg/models"
)

// asana talks to the Asana REST API. Projects and external ids are gids.
type asana struct {
	base      string
	workspace string
	client    *http.Client
	headers   map[string]string
}

func newAsana(c Config) *asana {
	return &asana{
		base:      c.baseURL("https://app.asana.com/api/1.0"),
		workspace: c.Workspace,
		client:    c.httpClient(),
		headers:   map[string]string{"Authorization": "Bearer " + c.Token},
	}
}

func (a *asana) ID() string { return "asana" }

func (a *asana) do(ctx context.Context, method, path string, body, out any) error {
	return doJSON(ctx, a.client, method, a.base+path, a.headers, body, out)
}

func (a *asana) TestConnection(ctx context.Context) error {
	return a.do(ctx, http.MethodGet, "/users/me", nil, nil)
}

func (a *asana) ListProjects(ctx context.Context) ([]Project, error) {
	if a.workspace == "" {
		return nil, errors.New("asana: workspace is not configured")
	}
	var resp struct {
		Data []struct {
			GID  string `json:"gid"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := a.do(ctx, http.MethodGet, "/projects?workspace="+url.QueryEscape(a.workspace), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(resp.Data))
	for _, p := range resp.Data {
		out = append(out, Project{ID: p.GID, Key: p.GID, Name: p.Name})
	}
	return out, nil
}

type asanaTask struct {
	GID          string `json:"gid"`
	Name         string `json:"name"`
	Notes        string `json:"notes"`
	Completed    bool   `json:"completed"`
	PermalinkURL string `json:"permalink_url"`
}

const asanaTaskFields = "name,notes,completed,permalink_url"

func (t asanaTask) toIssue() Issue {
	is := Issue{
		ExternalID:  t.GID,
		Title:       t.Name,
		Description: t.Notes,
		URL:         t.PermalinkURL,
		State:       StateTodo,
		RawStatus:   "incomplete",
	}
	if t.Completed {
		is.State = StateDone
		is.RawStatus = "completed"
	}
	return is
}

func (a *asana) ListIssues(ctx context.Context, projectKey string, opts ListOptions) ([]Issue, error) {
	limit := opts.MaxResults
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var resp struct {
		Data []asanaTask `json:"data"`
	}
	path := fmt.Sprintf("/projects/%s/tasks?opt_fields=%s&limit=%d", url.PathEscape(projectKey), asanaTaskFields, limit)
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Issue, 0, len(resp.Data))
	for _, t := range resp.Data {
		out = append(out, t.toIssue())
	}
	return out, nil
}

func (a *asana) GetIssue(ctx context.Context, externalID string) (Issue, error) {
	var resp struct {
		Data asanaTask `json:"data"`
	}
	if err := a.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(externalID)+"?opt_fields="+asanaTaskFields, nil, &resp); err != nil {
		return Issue{}, err
	}
	return resp.Data.toIssue(), nil
}

// PushStatus adds a comment with the evidence and marks the task complete for completed stories.
func (a *asana) PushStatus(ctx context.Context, externalID, status, evidence string) error {
	path := "/tasks/" + url.PathEscape(externalID)
	comment := map[string]any{"data": map[string]string{"text": evidenceComment(status, evidence)}}
	if err := a.do(ctx, http.MethodPost, path+"/stories", comment, nil); err != nil {
		return err
	}
	if status != models.StoryCompleted {
		return nil
	}
	return a.do(ctx, http.MethodPut, path, map[string]any{"data": map[string]bool{"completed": true}}, nil)
}
