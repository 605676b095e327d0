package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/airgap/maude-sub003/internal/events"
	"github.com/airgap/maude-sub003/internal/otel"
	"github.com/airgap/maude-sub003/pkg/models"
)

// sseWriter writes `data: <json>\n\n` frames and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startSSE sets the stream headers. It fails when the writer cannot flush.
func startSSE(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	otel.AddSSEConnection()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) close() { otel.RemoveSSEConnection() }

func (s *sseWriter) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) emitLoopEvent(ev models.LoopEvent) error { return s.send(ev) }

// handleLoopEvents streams one loop's events until loop_done or client disconnect.
func (a *App) handleLoopEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := a.Store.GetLoop(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	sw, ok := startSSE(w)
	if !ok {
		return
	}
	defer sw.close()
	err := a.Scheduler.Follow(r.Context(), id, a.heartbeat, sw.emitLoopEvent)
	if err != nil && r.Context().Err() == nil {
		slog.Warn("loop event stream ended", "loop_id", id, "err", err)
	}
}

// handleStream streams every loop's events until the client disconnects.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	sw, ok := startSSE(w)
	if !ok {
		return
	}
	defer sw.close()
	sub := a.Bus.Subscribe(events.Wildcard)
	defer sub.Unsubscribe()

	// Initial frame so clients know the stream is live.
	if err := sw.send(map[string]any{"type": "connected"}); err != nil {
		return
	}
	_ = events.Relay(r.Context(), sub, events.RelayOptions{Heartbeat: a.heartbeat}, sw.emitLoopEvent)
}

// handleSessionEvents replays a session's buffer and follows its running turn.
func (a *App) handleSessionEvents(w http.ResponseWriter, r *http.Request, id string) {
	stream, err := a.Sessions.Follow(id)
	if err != nil {
		writeError(w, err)
		return
	}
	sw, ok := startSSE(w)
	if !ok {
		return
	}
	defer sw.close()
	for {
		ev, err := stream.Next(r.Context())
		if err != nil {
			if !errors.Is(err, io.EOF) && r.Context().Err() == nil {
				slog.Warn("session event stream ended", "session_id", id, "err", err)
			}
			return
		}
		if err := sw.send(ev); err != nil {
			return
		}
	}
}
