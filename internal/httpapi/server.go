package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/airgap/maude-sub003/internal/agent/session"
	"github.com/airgap/maude-sub003/internal/apperr"
	"github.com/airgap/maude-sub003/internal/events"
	"github.com/airgap/maude-sub003/internal/gitsafety"
	"github.com/airgap/maude-sub003/internal/loop"
	"github.com/airgap/maude-sub003/internal/store"
	"github.com/airgap/maude-sub003/internal/tracker"
	"github.com/airgap/maude-sub003/pkg/models"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (dashboards served from another origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (listen addr, API key, metrics, SSE heartbeat).
type ServerOptions struct {
	Addr           string
	Dev            bool
	APIKey         string       // if set, require X-API-Key header or query api_key
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
	Heartbeat      time.Duration
	MaxBodyBytes   int64
}

// Services are the components the API exposes. Store, Scheduler and Bus are required.
type Services struct {
	Store     store.Store
	Scheduler *loop.Scheduler
	Bus       *events.Bus
	Sessions  *session.Multiplexer
	SafetyNet *gitsafety.SafetyNet
	Tracker   *tracker.Reconciler
}

// App holds the HTTP server and the services behind it.
type App struct {
	Services
	Server    *http.Server
	heartbeat time.Duration
}

// NewApp creates the HTTP app and registers all routes.
func NewApp(opts ServerOptions, svc Services) (*App, error) {
	if svc.Store == nil || svc.Scheduler == nil || svc.Bus == nil {
		return nil, errors.New("httpapi: store, scheduler and bus are required")
	}
	app := &App{Services: svc, heartbeat: opts.Heartbeat}
	if app.heartbeat <= 0 {
		app.heartbeat = time.Duration(models.DefaultHeartbeatSec) * time.Second
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", app.handlePlainMetrics)
	}

	mux.HandleFunc("/stream", app.handleStream)

	// --- Loops ---
	mux.HandleFunc("/loops", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			loops, err := app.Scheduler.List(r.Context(), r.URL.Query().Get("status"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, loops)
		case http.MethodPost:
			var body models.StartLoopRequest
			if !decodeBody(w, r, &body) {
				return
			}
			l, err := app.Scheduler.Start(r.Context(), body)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, models.StartLoopResponse{LoopID: l.ID, Loop: &l})
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
	mux.HandleFunc("/loops/", app.handleLoop)

	// --- Stories ---
	mux.HandleFunc("/stories", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			app.handleListStories(w, r)
		case http.MethodPost:
			app.handleCreateStory(w, r)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
	mux.HandleFunc("/stories/", app.handleStory)

	// --- Snapshots ---
	mux.HandleFunc("/snapshots", app.handleSnapshots)
	mux.HandleFunc("/snapshots/", app.handleSnapshot)

	// --- Sessions ---
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if app.Sessions == nil {
			writeJSON(w, []models.SessionInfo{})
			return
		}
		writeJSON(w, app.Sessions.ListSessions())
	})
	mux.HandleFunc("/sessions/", app.handleSession)

	// --- External trackers ---
	mux.HandleFunc("/sync/", app.handleSync)

	// --- Backlog documents ---
	mux.HandleFunc("/prd/import", app.handleImportPRD)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found: "+r.URL.Path)
	})

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = models.DefaultMaxRequestBodyBytes
	}
	var handler http.Handler = mux
	handler = bodyLimitMiddleware(maxBody, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "maude")
	}
	// No WriteTimeout: SSE streams stay open for the life of a loop.
	app.Server = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return app, nil
}

// handlePlainMetrics serves story counts in Prometheus text format when no OTel handler is set.
func (a *App) handlePlainMetrics(w http.ResponseWriter, r *http.Request) {
	stories, err := a.Store.ListStories(r.Context(), store.StoryFilter{})
	if err != nil {
		writeError(w, err)
		return
	}
	counts := map[string]int64{}
	for _, s := range stories {
		counts[s.Status]++
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "# TYPE maude_stories gauge\n")
	for _, st := range []string{models.StoryPending, models.StoryInProgress, models.StoryCompleted, models.StoryFailed} {
		_, _ = fmt.Fprintf(w, "maude_stories{status=%q} %d\n", st, counts[st])
	}
	_, _ = fmt.Fprintf(w, "# TYPE maude_bus_dropped_total counter\nmaude_bus_dropped_total %d\n", a.Bus.Dropped())
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// pathParts splits the path after prefix into its non-empty segments.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// decodeBody decodes the JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, "request body required")
			return false
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

// writeError maps err to its status code. Internal errors are also logged.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.HTTPStatus(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSONError(w, code, err.Error())
}
