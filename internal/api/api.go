// Package api implements the Status/Control Surface (C11): the
// optional HTTP/WebSocket surface spec §6 describes for starting,
// inspecting, and stopping pipeline runs.
//
// Routing follows the teacher's MarbleService convention of exposing
// a *mux.Router (infrastructure/service/interfaces.go); the WebSocket
// hub is grounded on codeready-toolchain-tarsy's pkg/api/websocket.go
// register/unregister/broadcast-channel pattern, with its broadcast
// channel drained through go-longpoll so bursts of snapshot updates
// coalesce into fewer frames per client instead of one write per
// event.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/joeycumines/go-longpoll"

	"github.com/codegraph-dev/orchestrator/internal/health"
	"github.com/codegraph-dev/orchestrator/internal/httpmw"
	"github.com/codegraph-dev/orchestrator/internal/logging"
	"github.com/codegraph-dev/orchestrator/internal/metrics"
	"github.com/codegraph-dev/orchestrator/internal/supervisor"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunHandle tracks one started pipeline run for status/stop/clear.
type RunHandle struct {
	ID         string
	TargetDir  string
	Status     string // starting, running, stopped, complete, failed
	StartedAt  time.Time
	Supervisor *supervisor.Supervisor
	Report     *supervisor.Report
	LogLines   []string
}

// Starter is implemented by whatever constructs and runs a
// supervisor for a target directory; the real implementation lives in
// cmd/orchestrator and is injected here to keep api decoupled from
// process wiring.
type Starter func(ctx context.Context, targetDir, runID string) (*supervisor.Supervisor, error)

// Server is the HTTP/WebSocket status surface for one orchestrator
// process. Multiple runs may be tracked concurrently.
type Server struct {
	mu      sync.Mutex
	runs    map[string]*RunHandle
	starter Starter
	health  *health.Monitor
	log     *logging.Logger

	hub *wsHub
}

// NewServer builds a Server. starter is called by POST /pipeline/start.
func NewServer(starter Starter, monitor *health.Monitor) *Server {
	s := &Server{
		runs:    make(map[string]*RunHandle),
		starter: starter,
		health:  monitor,
		log:     logging.NewDefault("api"),
		hub:     newWSHub(),
	}
	go s.hub.run()
	return s
}

// Router builds the mux.Router exposing every spec §6 endpoint, wrapped
// in recovery, request-logging, and timeout middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(httpmw.Recovery(s.log), httpmw.Logging(s.log), httpmw.CORS(), httpmw.Timeout(0))
	r.HandleFunc("/pipeline/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/pipeline/status/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/pipeline/active", s.handleActive).Methods(http.MethodGet)
	r.HandleFunc("/pipeline/stop/{id}", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/pipeline/clear/{id}", s.handleClear).Methods(http.MethodDelete)
	r.HandleFunc("/health", health.Handler(s.health)).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetricsJSON).Methods(http.MethodGet)
	r.Handle("/metrics/prom", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/pipeline/stream", s.hub.handleWS).Methods(http.MethodGet)
	return r
}

type startRequest struct {
	TargetDirectory string `json:"targetDirectory"`
	PipelineID      string `json:"pipelineId"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if req.TargetDirectory == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "targetDirectory required"})
		return
	}

	id := req.PipelineID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if _, exists := s.runs[id]; exists {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already running"})
		return
	}
	handle := &RunHandle{ID: id, TargetDir: req.TargetDirectory, Status: "starting", StartedAt: time.Now()}
	s.runs[id] = handle
	s.mu.Unlock()

	sup, err := s.starter(context.Background(), req.TargetDirectory, id)
	if err != nil {
		s.mu.Lock()
		handle.Status = "failed"
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	handle.Supervisor = sup
	handle.Status = "running"
	s.mu.Unlock()

	go s.runPipeline(handle)

	writeJSON(w, http.StatusOK, map[string]string{"pipelineId": id, "status": "starting"})
}

func (s *Server) runPipeline(handle *RunHandle) {
	report, err := handle.Supervisor.Run(context.Background())

	s.mu.Lock()
	if err != nil {
		handle.Status = "failed"
	} else {
		handle.Status = "complete"
		handle.Report = &report
	}
	s.mu.Unlock()

	s.hub.broadcast(wsMessage{Type: "pipeline_update", PipelineID: handle.ID, Data: s.snapshot(handle)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	handle, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown pipeline"})
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(handle))
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id, h := range s.runs {
		if h.Status == "running" || h.Status == "starting" {
			ids = append(ids, id)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": ids})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	handle, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown pipeline"})
		return
	}
	if handle.Supervisor != nil {
		handle.Supervisor.Stop()
	}
	s.mu.Lock()
	handle.Status = "stopped"
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	handle, ok := s.runs[id]
	if ok && (handle.Status == "running" || handle.Status == "starting") {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "pipeline still running"})
		return
	}
	delete(s.runs, id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pipelines := make(map[string]any, len(s.runs))
	for id, h := range s.runs {
		pipelines[id] = s.snapshot(h)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": pipelines})
}

func (s *Server) snapshot(h *RunHandle) map[string]any {
	snap := map[string]any{
		"pipelineId": h.ID,
		"status":     h.Status,
		"startedAt":  h.StartedAt,
	}
	if h.Report != nil {
		snap["report"] = h.Report
	}
	return snap
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// wsMessage mirrors the snapshot structure over the WebSocket stream.
type wsMessage struct {
	Type       string `json:"type"`
	PipelineID string `json:"pipelineId"`
	Data       any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHub manages WebSocket subscribers, draining its broadcast channel
// through go-longpoll so a burst of updates becomes one batched write
// per client instead of one write per event.
type wsHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan wsMessage
}

func newWSHub() *wsHub {
	return &wsHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan wsMessage, 256),
	}
}

func (h *wsHub) run() {
	ctx := context.Background()
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = struct{}{}
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		default:
			var batch []wsMessage
			err := longpoll.Channel(ctx, &longpoll.ChannelConfig{
				MaxSize:        32,
				MinSize:        -1,
				PartialTimeout: 100 * time.Millisecond,
			}, h.events, func(msg wsMessage) error {
				batch = append(batch, msg)
				return nil
			})
			if err != nil && !errors.Is(err, io.EOF) {
				continue
			}
			if len(batch) == 0 {
				continue
			}
			h.flush(batch)
		}
	}
}

func (h *wsHub) flush(batch []wsMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(batch); err != nil {
			go func(c *websocket.Conn) { h.unregister <- c }(conn)
		}
	}
}

func (h *wsHub) broadcast(msg wsMessage) {
	select {
	case h.events <- msg:
	default:
		// drop on a full buffer rather than block the caller; clients
		// resync via the next status poll.
	}
}

func (h *wsHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
