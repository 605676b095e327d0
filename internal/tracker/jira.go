package tracker

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/airgap/maude-sub003/pkg/models"
)

// jira talks to the Jira Cloud REST API v3. External ids are issue keys (PROJ-12).
type jira struct {
	base    string
	client  *http.Client
	headers map[string]string
}

func newJira(c Config) *jira {
	auth := "Bearer " + c.Token
	if c.Email != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Email+":"+c.Token))
	}
	return &jira{
		base:    c.baseURL("https://your-domain.atlassian.net"),
		client:  c.httpClient(),
		headers: map[string]string{"Authorization": auth},
	}
}

func (j *jira) ID() string { return "jira" }

func (j *jira) do(ctx context.Context, method, path string, body, out any) error {
	return doJSON(ctx, j.client, method, j.base+path, j.headers, body, out)
}

func (j *jira) TestConnection(ctx context.Context) error {
	return j.do(ctx, http.MethodGet, "/rest/api/3/myself", nil, nil)
}

func (j *jira) ListProjects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Values []struct {
			ID   string `json:"id"`
			Key  string `json:"key"`
			Name string `json:"name"`
		} `json:"values"`
	}
	if err := j.do(ctx, http.MethodGet, "/rest/api/3/project/search?maxResults=100", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(resp.Values))
	for _, v := range resp.Values {
		out = append(out, Project{ID: v.ID, Key: v.Key, Name: v.Name})
	}
	return out, nil
}

type jiraIssue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description any    `json:"description"`
		Updated     string `json:"updated"`
		Status      struct {
			Name           string `json:"name"`
			StatusCategory struct {
				Key string `json:"key"`
			} `json:"statusCategory"`
		} `json:"status"`
		Priority *struct {
			Name string `json:"name"`
		} `json:"priority"`
	} `json:"fields"`
}

func (j *jira) toIssue(ji jiraIssue) Issue {
	is := Issue{
		ExternalID:  ji.Key,
		Title:       ji.Fields.Summary,
		Description: adfText(ji.Fields.Description),
		RawStatus:   ji.Fields.Status.Name,
		URL:         j.base + "/browse/" + ji.Key,
	}
	switch ji.Fields.Status.StatusCategory.Key {
	case "done":
		is.State = StateDone
	case "indeterminate":
		is.State = StateInProgress
	default:
		is.State = StateTodo
	}
	if ji.Fields.Priority != nil {
		is.Priority = priorityFromName(ji.Fields.Priority.Name)
	}
	return is
}

const jiraFields = "summary,description,status,priority,updated"

func (j *jira) ListIssues(ctx context.Context, projectKey string, opts ListOptions) ([]Issue, error) {
	limit := opts.MaxResults
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{}
	q.Set("jql", fmt.Sprintf(`project = "%s" ORDER BY rank ASC`, projectKey))
	q.Set("maxResults", strconv.Itoa(limit))
	q.Set("fields", jiraFields)
	var resp struct {
		Issues []jiraIssue `json:"issues"`
	}
	if err := j.do(ctx, http.MethodGet, "/rest/api/3/search?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Issue, 0, len(resp.Issues))
	for _, ji := range resp.Issues {
		out = append(out, j.toIssue(ji))
	}
	return out, nil
}

func (j *jira) GetIssue(ctx context.Context, externalID string) (Issue, error) {
	var ji jiraIssue
	if err := j.do(ctx, http.MethodGet, "/rest/api/3/issue/"+url.PathEscape(externalID)+"?fields="+jiraFields, nil, &ji); err != nil {
		return Issue{}, err
	}
	return j.toIssue(ji), nil
}

// PushStatus comments with the evidence and, for completed stories, applies the first
// transition into the done category.
func (j *jira) PushStatus(ctx context.Context, externalID, status, evidence string) error {
	key := url.PathEscape(externalID)
	comment := map[string]any{"body": adfDoc(evidenceComment(status, evidence))}
	if err := j.do(ctx, http.MethodPost, "/rest/api/3/issue/"+key+"/comment", comment, nil); err != nil {
		return err
	}
	if status != models.StoryCompleted {
		return nil
	}
	var resp struct {
		Transitions []struct {
			ID string `json:"id"`
			To struct {
				StatusCategory struct {
					Key string `json:"key"`
				} `json:"statusCategory"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := j.do(ctx, http.MethodGet, "/rest/api/3/issue/"+key+"/transitions", nil, &resp); err != nil {
		return err
	}
	for _, t := range resp.Transitions {
		if t.To.StatusCategory.Key == "done" {
			return j.do(ctx, http.MethodPost, "/rest/api/3/issue/"+key+"/transitions", map[string]any{"transition": map[string]string{"id": t.ID}}, nil)
		}
	}
	return fmt.Errorf("jira %s: no transition into done", externalID)
}

// adfText flattens an Atlassian document (or a plain string) into text.
func adfText(v any) string {
	var sb strings.Builder
	var walk func(any)
	walk = func(n any) {
		switch t := n.(type) {
		case string:
			sb.WriteString(t)
		case map[string]any:
			if s, ok := t["text"].(string); ok {
				sb.WriteString(s)
			}
			if kids, ok := t["content"].([]any); ok {
				for _, k := range kids {
					walk(k)
				}
			}
			switch t["type"] {
			case "paragraph", "heading", "listItem", "codeBlock":
				sb.WriteString("\n")
			}
		}
	}
	walk(v)
	return strings.TrimSpace(sb.String())
}

func adfDoc(text string) map[string]any {
	var paras []any
	for _, p := range strings.Split(text, "\n\n") {
		paras = append(paras, map[string]any{
			"type":    "paragraph",
			"content": []any{map[string]any{"type": "text", "text": p}},
		})
	}
	return map[string]any{"type": "doc", "version": 1, "content": paras}
}
