package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/airgap/maude-sub003/pkg/models"
)

// linear talks to the Linear GraphQL API. External ids are issue identifiers (ENG-42); projects
// are teams keyed by their team key.
type linear struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
}

func newLinear(c Config) *linear {
	return &linear{
		endpoint: c.baseURL("https://api.linear.app") + "/graphql",
		client:   c.httpClient(),
		headers:  map[string]string{"Authorization": c.Token},
	}
}

func (l *linear) ID() string { return "linear" }

type gqlError struct {
	Message string `json:"message"`
}

func (l *linear) query(ctx context.Context, q string, vars map[string]any, data any) error {
	resp := struct {
		Data   any        `json:"data"`
		Errors []gqlError `json:"errors"`
	}{Data: data}
	if err := doJSON(ctx, l.client, http.MethodPost, l.endpoint, l.headers, map[string]any{"query": q, "variables": vars}, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return errors.New("linear: " + strings.Join(msgs, "; "))
	}
	return nil
}

func (l *linear) TestConnection(ctx context.Context) error {
	var data struct {
		Viewer struct {
			ID string `json:"id"`
		} `json:"viewer"`
	}
	if err := l.query(ctx, `query { viewer { id } }`, nil, &data); err != nil {
		return err
	}
	if data.Viewer.ID == "" {
		return errors.New("linear: empty viewer")
	}
	return nil
}

func (l *linear) ListProjects(ctx context.Context) ([]Project, error) {
	var data struct {
		Teams struct {
			Nodes []struct {
				ID   string `json:"id"`
				Key  string `json:"key"`
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"teams"`
	}
	if err := l.query(ctx, `query { teams { nodes { id key name } } }`, nil, &data); err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(data.Teams.Nodes))
	for _, t := range data.Teams.Nodes {
		out = append(out, Project{ID: t.ID, Key: t.Key, Name: t.Name})
	}
	return out, nil
}

type linearIssue struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Priority    int    `json:"priority"`
	State       struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"state"`
}

const linearIssueFields = `id identifier title description url priority state { name type }`

func (li linearIssue) toIssue() Issue {
	is := Issue{
		ExternalID:  li.Identifier,
		Title:       li.Title,
		Description: li.Description,
		RawStatus:   li.State.Name,
		URL:         li.URL,
	}
	switch li.State.Type {
	case "completed", "canceled":
		is.State = StateDone
	case "started":
		is.State = StateInProgress
	default:
		is.State = StateTodo
	}
	switch li.Priority {
	case 1:
		is.Priority = models.PriorityCritical
	case 2:
		is.Priority = models.PriorityHigh
	case 3:
		is.Priority = models.PriorityMedium
	case 4:
		is.Priority = models.PriorityLow
	}
	return is
}

func (l *linear) ListIssues(ctx context.Context, projectKey string, opts ListOptions) ([]Issue, error) {
	limit := opts.MaxResults
	if limit <= 0 {
		limit = 50
	}
	var data struct {
		Issues struct {
			Nodes []linearIssue `json:"nodes"`
		} `json:"issues"`
	}
	q := `query($key: String!, $first: Int!) { issues(first: $first, filter: { team: { key: { eq: $key } } }) { nodes { ` + linearIssueFields + ` } } }`
	if err := l.query(ctx, q, map[string]any{"key": projectKey, "first": limit}, &data); err != nil {
		return nil, err
	}
	out := make([]Issue, 0, len(data.Issues.Nodes))
	for _, n := range data.Issues.Nodes {
		out = append(out, n.toIssue())
	}
	return out, nil
}

func (l *linear) GetIssue(ctx context.Context, externalID string) (Issue, error) {
	var data struct {
		Issue *linearIssue `json:"issue"`
	}
	q := `query($id: String!) { issue(id: $id) { ` + linearIssueFields + ` } }`
	if err := l.query(ctx, q, map[string]any{"id": externalID}, &data); err != nil {
		return Issue{}, err
	}
	if data.Issue == nil {
		return Issue{}, fmt.Errorf("linear issue %s not found", externalID)
	}
	return data.Issue.toIssue(), nil
}

// PushStatus comments with the evidence and, for completed stories, moves the issue into the
// team's first completed state.
func (l *linear) PushStatus(ctx context.Context, externalID, status, evidence string) error {
	var data struct {
		Issue *struct {
			ID   string `json:"id"`
			Team struct {
				States struct {
					Nodes []struct {
						ID   string `json:"id"`
						Type string `json:"type"`
					} `json:"nodes"`
				} `json:"states"`
			} `json:"team"`
		} `json:"issue"`
	}
	q := `query($id: String!) { issue(id: $id) { id team { states { nodes { id type } } } } }`
	if err := l.query(ctx, q, map[string]any{"id": externalID}, &data); err != nil {
		return err
	}
	if data.Issue == nil {
		return fmt.Errorf("linear issue %s not found", externalID)
	}
	comment := `mutation($issueId: String!, $body: String!) { commentCreate(input: { issueId: $issueId, body: $body }) { success } }`
	if err := l.query(ctx, comment, map[string]any{"issueId": data.Issue.ID, "body": evidenceComment(status, evidence)}, nil); err != nil {
		return err
	}
	if status != models.StoryCompleted {
		return nil
	}
	for _, s := range data.Issue.Team.States.Nodes {
		if s.Type == "completed" {
			update := `mutation($id: String!, $stateId: String!) { issueUpdate(id: $id, input: { stateId: $stateId }) { success } }`
			return l.query(ctx, update, map[string]any{"id": data.Issue.ID, "stateId": s.ID}, nil)
		}
	}
	return fmt.Errorf("linear %s: team has no completed state", externalID)
}
