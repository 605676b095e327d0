// Package prd loads backlog documents (YAML, TOML or JSON) and turns them into stories.
//
// Stories in a document reference each other by a local key; Import resolves those keys to
// story ids so dependencies survive the round trip into the store.
package prd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/internal/store"
	"github.com/airgap/maude-sub003/pkg/models"
)

// ErrCircularDependency is wrapped by Validate when depends_on keys form a cycle.
var ErrCircularDependency = errors.New("circular dependency")

// Document is a backlog file.
type Document struct {
	ID          string      `yaml:"id" toml:"id" json:"id"`
	Title       string      `yaml:"title" toml:"title" json:"title"`
	Description string      `yaml:"description,omitempty" toml:"description,omitempty" json:"description,omitempty"`
	Stories     []StorySpec `yaml:"stories" toml:"stories" json:"stories"`
}

// StorySpec is one story entry in a Document.
type StorySpec struct {
	Key         string   `yaml:"key" toml:"key" json:"key"`
	Title       string   `yaml:"title" toml:"title" json:"title"`
	Description string   `yaml:"description,omitempty" toml:"description,omitempty" json:"description,omitempty"`
	Priority    string   `yaml:"priority,omitempty" toml:"priority,omitempty" json:"priority,omitempty"`
	Acceptance  []string `yaml:"acceptance,omitempty" toml:"acceptance,omitempty" json:"acceptance,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty" toml:"depends_on,omitempty" json:"dependsOn,omitempty"`
	MaxAttempts int      `yaml:"max_attempts,omitempty" toml:"max_attempts,omitempty" json:"maxAttempts,omitempty"`
}

// Format names a document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format by file extension (YAML when unknown).
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Parse decodes and validates a document.
func Parse(data []byte, format Format) (*Document, error) {
	var doc Document
	var err error
	switch format {
	case FormatTOML:
		err = toml.Unmarshal(data, &doc)
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	case FormatYAML, "":
		err = yaml.Unmarshal(data, &doc)
	default:
		return nil, apperr.Validation("unknown backlog format %q", format)
	}
	if err != nil {
		return nil, apperr.Validation("parse %s backlog: %v", format, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Load reads and parses a backlog file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}
	return Parse(data, FormatFromPath(path))
}

// Validate checks keys are present and unique, titles are set, dependencies name known keys
// and do not form a cycle.
func (d *Document) Validate() error {
	if len(d.Stories) == 0 {
		return apperr.Validation("backlog has no stories")
	}
	deps := make(map[string][]string, len(d.Stories))
	for i, s := range d.Stories {
		if s.Key == "" {
			return apperr.Validation("story %d: key is required", i+1)
		}
		if strings.TrimSpace(s.Title) == "" {
			return apperr.Validation("story %q: title is required", s.Key)
		}
		if _, dup := deps[s.Key]; dup {
			return apperr.Validation("duplicate story key %q", s.Key)
		}
		deps[s.Key] = s.DependsOn
	}
	for _, s := range d.Stories {
		for _, dep := range s.DependsOn {
			if _, ok := deps[dep]; !ok {
				return apperr.Validation("story %q depends on unknown key %q", s.Key, dep)
			}
		}
	}
	if cycle := findCycle(d.Stories, deps); cycle != nil {
		return apperr.Validation("%v: %s", ErrCircularDependency, strings.Join(cycle, " -> "))
	}
	return nil
}

// findCycle returns the keys of the first cycle found, closed on its first key, or nil.
func findCycle(stories []StorySpec, deps map[string][]string) []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(string) []string
	visit = func(key string) []string {
		visited[key] = true
		onStack[key] = true
		path = append(path, key)
		for _, dep := range deps[key] {
			if !visited[dep] {
				if c := visit(dep); c != nil {
					return c
				}
			} else if onStack[dep] {
				for i, k := range path {
					if k == dep {
						return append(append([]string{}, path[i:]...), dep)
					}
				}
			}
		}
		onStack[key] = false
		path = path[:len(path)-1]
		return nil
	}
	for _, s := range stories {
		if !visited[s.Key] {
			if c := visit(s.Key); c != nil {
				return c
			}
		}
	}
	return nil
}

// Stories converts the document into new stories for the scope. Ids are assigned up front so
// dependency keys can be resolved; sort orders continue after baseSortOrder in document order.
func (d *Document) Stories(scope store.Scope, baseSortOrder int) []models.Story {
	ids := make(map[string]string, len(d.Stories))
	for _, s := range d.Stories {
		ids[s.Key] = store.NewID()
	}
	out := make([]models.Story, 0, len(d.Stories))
	for i, s := range d.Stories {
		st := models.Story{
			ID:            ids[s.Key],
			PRDID:         scope.PRDID,
			WorkspacePath: scope.WorkspacePath,
			Title:         strings.TrimSpace(s.Title),
			Description:   s.Description,
			Priority:      models.NormalizePriority(s.Priority),
			MaxAttempts:   s.MaxAttempts,
			SortOrder:     baseSortOrder + i + 1,
		}
		for j, ac := range s.Acceptance {
			st.AcceptanceCriteria = append(st.AcceptanceCriteria, models.AcceptanceCriterion{
				ID:          fmt.Sprintf("%s-%d", s.Key, j+1),
				Description: ac,
			})
		}
		for _, dep := range s.DependsOn {
			st.DependsOn = append(st.DependsOn, models.Dependency{StoryID: ids[dep], Reason: "depends on " + dep})
		}
		out = append(out, st)
	}
	return out
}

// Import creates the document's stories in the store. The document id is used as the backlog
// id unless prdID is set.
func Import(ctx context.Context, st store.Store, doc *Document, workspacePath string, prdID *string) ([]models.Story, error) {
	if workspacePath == "" {
		return nil, apperr.Validation("workspacePath is required")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if (prdID == nil || *prdID == "") && doc.ID != "" {
		id := doc.ID
		prdID = &id
	}
	scope := store.Scope{PRDID: prdID, WorkspacePath: workspacePath}
	base, err := st.MaxSortOrder(ctx, scope)
	if err != nil {
		return nil, err
	}
	stories := doc.Stories(scope, base)
	for i := range stories {
		if err := st.CreateStory(ctx, &stories[i]); err != nil {
			return stories[:i], fmt.Errorf("create story %q: %w", stories[i].Title, err)
		}
	}
	return stories, nil
}
