// Package webui exposes the orchestrator's event stream and permission
// prompts to a browser over a websocket: a second, remote-capable
// operator console alongside the terminal one in internal/console.
package webui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/laynepenney/codi-sub005/internal/config"
	"github.com/laynepenney/codi-sub005/internal/debuglog"
	"github.com/laynepenney/codi-sub005/internal/eventq"
	"github.com/laynepenney/codi-sub005/internal/orchestrator"
)

// wsEnvelope is the wire format for every message exchanged over the
// websocket, in both directions.
type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type pendingDecision struct {
	resp chan config.ConfirmationResult
	once sync.Once
}

func (p *pendingDecision) resolve(result config.ConfirmationResult) {
	p.once.Do(func() { p.resp <- result })
}

// DiffFunc returns the accumulated workspace diff for a worker id.
type DiffFunc func(ctx context.Context, childID string) (string, error)

// Server hosts the browser operator console: one HTTP endpoint streaming
// orchestrator events to every connected client, a per-worker diff
// endpoint, and accepting permission decisions back from whichever client
// answers first.
type Server struct {
	host, port string
	httpServer *http.Server

	// Diff, when set, backs the GET /diff/{id} endpoint. Set it before
	// Start.
	Diff DiffFunc

	clientsMu sync.Mutex
	clients   map[chan wsEnvelope]struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingDecision
	nextID    int64
}

// New constructs a Server bound to host:port; an empty host defaults to
// "127.0.0.1" and a zero port to 8787.
func New(host string, port int) *Server {
	if host == "" {
		host = "127.0.0.1"
	}
	if port <= 0 {
		port = 8787
	}
	srv := &Server{
		host:    host,
		port:    strconv.Itoa(port),
		clients: make(map[chan wsEnvelope]struct{}),
		pending: make(map[string]*pendingDecision),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.handleWS)
	mux.HandleFunc("GET /diff/{id}", srv.handleDiff)
	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Addr returns the bound host:port.
func (srv *Server) Addr() string { return net.JoinHostPort(srv.host, srv.port) }

// Start begins serving in the background and returns immediately.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return fmt.Errorf("webui: listen: %w", err)
	}
	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debuglog.LogKV("webui", "server stopped with error", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.httpServer.Shutdown(ctx)
}

// BroadcastEvents relays every orchestrator event to every connected
// browser until events closes. Run it in its own goroutine.
func (srv *Server) BroadcastEvents(events <-chan orchestrator.Event) {
	for ev := range events {
		srv.broadcast(toWSEnvelope(ev))
	}
}

func (srv *Server) broadcast(env wsEnvelope) {
	srv.clientsMu.Lock()
	defer srv.clientsMu.Unlock()
	for ch := range srv.clients {
		// Slow client: drop rather than block the whole broadcast.
		eventq.Offer(ch, env)
	}
}

// RequestPermission implements config.PermissionRequestFunc by broadcasting
// a permission_request envelope and blocking until any connected client
// answers it (first decision wins).
func (srv *Server) RequestPermission(childID string, confirmation config.ToolConfirmation) config.ConfirmationResult {
	srv.pendingMu.Lock()
	srv.nextID++
	requestID := fmt.Sprintf("webui-%d", srv.nextID)
	pd := &pendingDecision{resp: make(chan config.ConfirmationResult, 1)}
	srv.pending[requestID] = pd
	srv.pendingMu.Unlock()

	defer func() {
		srv.pendingMu.Lock()
		delete(srv.pending, requestID)
		srv.pendingMu.Unlock()
	}()

	srv.broadcast(wsEnvelope{Type: "permission_request", Data: map[string]any{
		"requestId":   requestID,
		"childId":     childID,
		"toolName":    confirmation.ToolName,
		"input":       confirmation.Input,
		"description": confirmation.Description,
	}})

	return <-pd.resp
}

// handleDiff serves a worker's accumulated workspace diff as plain text,
// the browser counterpart of inspecting a worker's branch by hand.
func (srv *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	if srv.Diff == nil {
		http.Error(w, "diff not available", http.StatusNotFound)
		return
	}
	out, err := srv.Diff(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, out)
}

func confirmationResultOf(s string) config.ConfirmationResult {
	switch config.ConfirmationResult(s) {
	case config.Approve, config.ApproveAlways, config.ApproveSession:
		return config.ConfirmationResult(s)
	default:
		return config.Deny
	}
}

func toWSEnvelope(ev orchestrator.Event) wsEnvelope {
	switch e := ev.(type) {
	case orchestrator.WorkerStarted:
		return wsEnvelope{Type: "worker_started", Data: e}
	case orchestrator.WorkerStatus:
		return wsEnvelope{Type: "worker_status", Data: e}
	case orchestrator.WorkerCompleted:
		return wsEnvelope{Type: "worker_completed", Data: e}
	case orchestrator.WorkerFailed:
		return wsEnvelope{Type: "worker_failed", Data: e}
	case orchestrator.PermissionRequest:
		return wsEnvelope{Type: "permission_request", Data: e}
	case orchestrator.AllCompleted:
		return wsEnvelope{Type: "all_completed", Data: e}
	case orchestrator.Log:
		return wsEnvelope{Type: "log", Data: e}
	default:
		return wsEnvelope{Type: "unknown"}
	}
}
