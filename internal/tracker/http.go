package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/airgap/maude-sub003/pkg/models"
)

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// doJSON sends body (if non-nil) as JSON and decodes a 2xx response into out (if non-nil).
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, URL: url, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, url, err)
	}
	return nil
}

// priorityFromName maps a free-form priority name onto the local scale ("" when unknown).
func priorityFromName(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "highest"), strings.Contains(n, "critical"), strings.Contains(n, "urgent"), strings.Contains(n, "blocker"):
		return models.PriorityCritical
	case strings.Contains(n, "high"):
		return models.PriorityHigh
	case strings.Contains(n, "lowest"), strings.Contains(n, "low"):
		return models.PriorityLow
	case strings.Contains(n, "medium"), strings.Contains(n, "normal"):
		return models.PriorityMedium
	}
	return ""
}

func evidenceComment(status, evidence string) string {
	msg := "maude: story " + status
	if e := strings.TrimSpace(evidence); e != "" {
		msg += "\n\n" + e
	}
	return msg
}
