package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/airgap/maude-sub003/pkg/models"
)

// ErrStopStream may be returned by a stream callback to end the stream without error.
var ErrStopStream = errors.New("stop stream")

// StreamLoopEvents calls fn for every event of the loop until loop_done, ctx cancellation or
// fn returning an error. Heartbeats are passed to fn too.
func (c *Client) StreamLoopEvents(ctx context.Context, loopID string, fn func(models.LoopEvent) error) error {
	return c.streamEvents(ctx, "/loops/"+url.PathEscape(loopID)+"/events", true, fn)
}

// StreamAll calls fn for every event of every loop until ctx is cancelled or fn returns an
// error. The server's initial "connected" frame is skipped.
func (c *Client) StreamAll(ctx context.Context, fn func(models.LoopEvent) error) error {
	return c.streamEvents(ctx, "/stream", false, fn)
}

func (c *Client) streamEvents(ctx context.Context, path string, stopOnDone bool, fn func(models.LoopEvent) error) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(http.MethodGet, path, resp); err != nil {
		return err
	}
	err = readSSE(resp.Body, func(data []byte) error {
		var ev models.LoopEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if ev.Type == "connected" {
			return nil
		}
		if err := fn(ev); err != nil {
			return err
		}
		if stopOnDone && ev.Type == models.EventLoopDone {
			return ErrStopStream
		}
		return nil
	})
	if errors.Is(err, ErrStopStream) {
		return nil
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readSSE calls fn with the payload of each event. Multi-line data fields are joined with
// newlines; comments and other fields are ignored.
func readSSE(r io.Reader, fn func(data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var data []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(data) == 0 {
				continue
			}
			payload := strings.Join(data, "\n")
			data = data[:0]
			if err := fn([]byte(payload)); err != nil {
				return err
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(v, " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
