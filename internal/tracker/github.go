package tracker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/airgap/maude-sub003/pkg/models"
)

// github talks to the GitHub REST API. Projects are repositories ("owner/repo"); external ids
// are "owner/repo#number".
type github struct {
	base    string
	client  *http.Client
	headers map[string]string
}

func newGitHub(c Config) *github {
	return &github{
		base:   c.baseURL("https://api.github.com"),
		client: c.httpClient(),
		headers: map[string]string{
			"Authorization":        "Bearer " + c.Token,
			"Accept":               "application/vnd.github+json",
			"X-GitHub-Api-Version": "2022-11-28",
		},
	}
}

func (g *github) ID() string { return "github" }

func (g *github) do(ctx context.Context, method, path string, body, out any) error {
	return doJSON(ctx, g.client, method, g.base+path, g.headers, body, out)
}

func (g *github) TestConnection(ctx context.Context) error {
	return g.do(ctx, http.MethodGet, "/user", nil, nil)
}

func (g *github) ListProjects(ctx context.Context) ([]Project, error) {
	var repos []struct {
		ID       int64  `json:"id"`
		FullName string `json:"full_name"`
		Name     string `json:"name"`
	}
	if err := g.do(ctx, http.MethodGet, "/user/repos?per_page=100&sort=updated", nil, &repos); err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(repos))
	for _, r := range repos {
		out = append(out, Project{ID: strconv.FormatInt(r.ID, 10), Key: r.FullName, Name: r.Name})
	}
	return out, nil
}

type githubIssue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	HTMLURL   string    `json:"html_url"`
	UpdatedAt time.Time `json:"updated_at"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *struct{} `json:"pull_request"`
}

func (gi githubIssue) toIssue(repo string) Issue {
	is := Issue{
		ExternalID:  fmt.Sprintf("%s#%d", repo, gi.Number),
		Title:       gi.Title,
		Description: gi.Body,
		RawStatus:   gi.State,
		URL:         gi.HTMLURL,
		UpdatedAt:   gi.UpdatedAt,
		State:       StateTodo,
	}
	if gi.State == "closed" {
		is.State = StateDone
	}
	for _, l := range gi.Labels {
		name := strings.ToLower(l.Name)
		if is.State == StateTodo && (name == "in progress" || name == "in-progress" || name == "wip") {
			is.State = StateInProgress
			is.RawStatus = "open (" + l.Name + ")"
		}
		if strings.HasPrefix(name, "priority") || strings.HasPrefix(name, "p:") {
			if p := priorityFromName(name); p != "" {
				is.Priority = p
			}
		}
	}
	return is
}

func (g *github) ListIssues(ctx context.Context, projectKey string, opts ListOptions) ([]Issue, error) {
	limit := opts.MaxResults
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var items []githubIssue
	if err := g.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues?state=all&per_page=%d", projectKey, limit), nil, &items); err != nil {
		return nil, err
	}
	out := make([]Issue, 0, len(items))
	for _, it := range items {
		if it.PullRequest != nil {
			continue
		}
		out = append(out, it.toIssue(projectKey))
	}
	return out, nil
}

func splitGitHubID(externalID string) (repo string, number int, err error) {
	repo, num, ok := strings.Cut(externalID, "#")
	if !ok || repo == "" {
		return "", 0, fmt.Errorf("github issue id %q: want owner/repo#number", externalID)
	}
	number, err = strconv.Atoi(num)
	if err != nil {
		return "", 0, fmt.Errorf("github issue id %q: %w", externalID, err)
	}
	return repo, number, nil
}

func (g *github) GetIssue(ctx context.Context, externalID string) (Issue, error) {
	repo, number, err := splitGitHubID(externalID)
	if err != nil {
		return Issue{}, err
	}
	var it githubIssue
	if err := g.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d", repo, number), nil, &it); err != nil {
		return Issue{}, err
	}
	return it.toIssue(repo), nil
}

// PushStatus comments with the evidence and closes the issue for completed stories.
func (g *github) PushStatus(ctx context.Context, externalID, status, evidence string) error {
	repo, number, err := splitGitHubID(externalID)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/repos/%s/issues/%d", repo, number)
	if err := g.do(ctx, http.MethodPost, path+"/comments", map[string]string{"body": evidenceComment(status, evidence)}, nil); err != nil {
		return err
	}
	if status != models.StoryCompleted {
		return nil
	}
	return g.do(ctx, http.MethodPatch, path, map[string]string{"state": "closed", "state_reason": "completed"}, nil)
}
