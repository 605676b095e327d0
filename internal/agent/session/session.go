// Package session multiplexes agent sessions. Each session runs one streaming turn at a time.
// A turn's stream carries every event it emits; the per-session replay buffer is bounded.
package session

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airgap/maude-sub003/internal/agent/runtime"
	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/pkg/models"
)

// Options configure a session.
type Options struct {
	Model         string
	WorkspacePath string
}

// Config tunes the multiplexer. Zero values use the defaults in pkg/models.
type Config struct {
	BufferSize int           // events kept per session
	Retention  time.Duration // how long an idle session stays listed after its last turn
}

// Multiplexer owns every live session and its process handle.
type Multiplexer struct {
	rt        runtime.Runtime
	bufSize   int
	retention time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// New returns a multiplexer running turns on rt.
func New(rt runtime.Runtime, cfg Config) *Multiplexer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = models.DefaultSessionBuffer
	}
	if cfg.Retention <= 0 {
		cfg.Retention = models.DefaultSessionRetentionSec * time.Second
	}
	return &Multiplexer{rt: rt, bufSize: cfg.BufferSize, retention: cfg.Retention, sessions: make(map[string]*session)}
}

type session struct {
	id             string
	conversationID string
	opts           Options

	mu        sync.Mutex
	status    string
	buf       []runtime.Event
	base      int           // absolute index of buf[0]
	notify    chan struct{} // closed and replaced on every change
	gen       *generation   // current or last turn
	expiry    *time.Timer
	createdAt time.Time
	updatedAt time.Time
}

// generation is one SendMessage turn. events holds everything the turn emitted; start is the
// absolute replay index of events[0].
type generation struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
	finished  bool
	start     int
	events    []runtime.Event
	result    runtime.TurnResult
	err       error
}

// changed wakes readers. Caller holds s.mu.
func (s *session) changed() {
	close(s.notify)
	s.notify = make(chan struct{})
	s.updatedAt = time.Now().UTC()
}

func (s *session) append(g *generation, ev runtime.Event, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.events = append(g.events, ev)
	s.buf = append(s.buf, ev)
	if over := len(s.buf) - limit; over > 0 {
		s.buf = append(s.buf[:0:0], s.buf[over:]...)
		s.base += over
	}
	s.changed()
}

// CreateSession registers a session for conversationID (a new id when empty). It fails with a
// session error when the runtime reports it cannot start a turn.
func (m *Multiplexer) CreateSession(ctx context.Context, conversationID string, opts Options) (string, error) {
	if p, ok := m.rt.(runtime.Preflighter); ok {
		if err := p.Preflight(ctx, opts.WorkspacePath); err != nil {
			return "", apperr.Session(err, "create session")
		}
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	now := time.Now().UTC()
	s := &session{
		id:             uuid.NewString(),
		conversationID: conversationID,
		opts:           opts,
		status:         models.SessionActive,
		notify:         make(chan struct{}),
		createdAt:      now,
		updatedAt:      now,
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	slog.Debug("session created", "session_id", s.id, "conversation_id", conversationID, "runtime", m.rt.Name())
	return s.id, nil
}

func (m *Multiplexer) get(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.NotFound("session", id)
	}
	return s, nil
}

// SendMessage starts a turn and returns its stream. Every event is also kept in the session's
// replay buffer. A session runs one turn at a time.
func (m *Multiplexer) SendMessage(ctx context.Context, sessionID, prompt string) (*Stream, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.gen != nil && !s.gen.finished {
		s.mu.Unlock()
		return nil, apperr.Conflict("session %s already has a running generation", sessionID)
	}
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	g := &generation{cancel: cancel, done: make(chan struct{}), start: s.base + len(s.buf)}
	s.gen = g
	s.status = models.SessionActive
	s.changed()
	s.mu.Unlock()

	req := runtime.TurnRequest{
		SessionID:      s.id,
		ConversationID: s.conversationID,
		Model:          s.opts.Model,
		WorkspacePath:  s.opts.WorkspacePath,
		Prompt:         prompt,
	}
	go m.run(runCtx, s, g, req)
	return &Stream{s: s, g: g}, nil
}

func (m *Multiplexer) run(ctx context.Context, s *session, g *generation, req runtime.TurnRequest) {
	res, err := m.rt.RunTurn(ctx, req, func(ev runtime.Event) {
		if ev.SessionID == "" {
			ev.SessionID = s.id
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		s.append(g, ev, m.bufSize)
	})
	g.cancel()

	s.mu.Lock()
	g.finished = true
	g.result = res
	switch {
	case g.cancelled:
		g.err = context.Canceled
		s.status = models.SessionCancelled
	case err != nil:
		g.err = apperr.Session(err, "agent turn failed")
		s.status = models.SessionError
	default:
		s.status = models.SessionComplete
	}
	s.expiry = time.AfterFunc(m.retention, func() { m.expire(s) })
	s.changed()
	s.mu.Unlock()
	close(g.done)
	if err != nil && !g.cancelled {
		slog.Warn("agent turn failed", "session_id", s.id, "err", err)
	}
}

func (m *Multiplexer) expire(s *session) {
	s.mu.Lock()
	busy := s.gen != nil && !s.gen.finished
	s.mu.Unlock()
	if busy {
		return
	}
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

// CancelGeneration stops the running turn, if any, and waits for it to tear down or for ctx.
// Cancelling an idle or already-cancelled session is a no-op.
func (m *Multiplexer) CancelGeneration(ctx context.Context, sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	g := s.gen
	if g == nil || g.finished || g.cancelled {
		s.mu.Unlock()
		return nil
	}
	g.cancelled = true
	s.status = models.SessionCancelled
	g.cancel()
	s.changed()
	s.mu.Unlock()

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns the observable state of one session.
func (m *Multiplexer) Info(sessionID string) (models.SessionInfo, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return models.SessionInfo{}, err
	}
	return s.info(), nil
}

func (s *session) info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		ID:             s.id,
		ConversationID: s.conversationID,
		Status:         s.status,
		Complete:       s.gen == nil || s.gen.finished,
		Model:          s.opts.Model,
		WorkspacePath:  s.opts.WorkspacePath,
		EventCount:     len(s.buf),
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
}

// ListSessions returns every known session, oldest first.
func (m *Multiplexer) ListSessions() []models.SessionInfo {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	out := make([]models.SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	sortInfos(out)
	return out
}

// Replay returns a copy of the session's buffered events.
func (m *Multiplexer) Replay(sessionID string) ([]runtime.Event, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]runtime.Event(nil), s.buf...), nil
}

// PendingApprovals lists tool approval requests that have no later tool result. It is computed
// from the buffer on every call.
func (m *Multiplexer) PendingApprovals(sessionID string) ([]runtime.Event, error) {
	events, err := m.Replay(sessionID)
	if err != nil {
		return nil, err
	}
	return pendingApprovals(events), nil
}

func pendingApprovals(events []runtime.Event) []runtime.Event {
	open := map[string]int{}
	var order []runtime.Event
	for _, ev := range events {
		switch ev.Type {
		case runtime.EventToolApprovalRequest:
			if ev.ToolCallID == "" {
				continue
			}
			open[ev.ToolCallID] = len(order)
			order = append(order, ev)
		case runtime.EventToolResult:
			delete(open, ev.ToolCallID)
		}
	}
	out := make([]runtime.Event, 0, len(open))
	for i, ev := range order {
		if idx, ok := open[ev.ToolCallID]; ok && idx == i {
			out = append(out, ev)
		}
	}
	return out
}

// Follow returns a stream over the session's buffered events followed by the live events of the
// running turn, if any.
func (m *Multiplexer) Follow(sessionID string) (*Stream, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.gen
	if g == nil {
		g = &generation{finished: true, done: closedChan()}
	}
	replayed := s.base + len(s.buf)
	return &Stream{
		s:      s,
		g:      g,
		replay: append([]runtime.Event(nil), s.buf...),
		next:   max(replayed-g.start, 0),
	}, nil
}

// Remove drops a session ahead of its retention, cancelling its running turn. Streams already
// open on it end as cancelled.
func (m *Multiplexer) Remove(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return apperr.NotFound("session", sessionID)
	}
	s.mu.Lock()
	if s.gen != nil && !s.gen.finished {
		s.gen.cancelled = true
		s.status = models.SessionCancelled
		s.gen.cancel()
		s.changed()
	}
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	s.mu.Unlock()
	slog.Debug("session removed", "session_id", sessionID)
	return nil
}

// Shutdown cancels every running turn and waits for them or ctx.
func (m *Multiplexer) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.CancelGeneration(ctx, id)
	}
}

// Stream is one turn's output. It is read by a single consumer and never skips an event,
// however far the consumer falls behind the replay buffer.
type Stream struct {
	s      *session
	g      *generation
	replay []runtime.Event // buffered events handed out before the live ones (Follow only)
	next   int             // index into g.events
}

// Next returns the next event in arrival order. It returns io.EOF once the turn has finished
// and every event was read, or immediately after the turn was cancelled.
func (st *Stream) Next(ctx context.Context) (runtime.Event, error) {
	for {
		st.s.mu.Lock()
		if st.g.cancelled {
			st.s.mu.Unlock()
			return runtime.Event{}, io.EOF
		}
		if len(st.replay) > 0 {
			ev := st.replay[0]
			st.replay = st.replay[1:]
			st.s.mu.Unlock()
			return ev, nil
		}
		if st.next < len(st.g.events) {
			ev := st.g.events[st.next]
			st.next++
			st.s.mu.Unlock()
			return ev, nil
		}
		if st.g.finished {
			st.s.mu.Unlock()
			return runtime.Event{}, io.EOF
		}
		ch := st.s.notify
		st.s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return runtime.Event{}, ctx.Err()
		}
	}
}

// Wait blocks until the turn ends and returns its result. A cancelled turn returns
// context.Canceled; a failed turn returns an apperr.ErrSession error.
func (st *Stream) Wait(ctx context.Context) (runtime.TurnResult, error) {
	select {
	case <-st.g.done:
	case <-ctx.Done():
		return runtime.TurnResult{}, ctx.Err()
	}
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return st.g.result, st.g.err
}

// SessionID returns the id of the session the stream belongs to.
func (st *Stream) SessionID() string { return st.s.id }

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func sortInfos(infos []models.SessionInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
}
