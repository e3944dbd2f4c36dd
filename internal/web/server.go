// Package web is the HTTP + SSE surface consumed by the dashboard. Handlers
// never touch the session table directly; everything goes through the
// supervisor's request channel.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jpatrickfarrell/jat-sub014/internal/config"
	"github.com/jpatrickfarrell/jat-sub014/internal/orchestrator"
	"github.com/jpatrickfarrell/jat-sub014/internal/question"
	"github.com/jpatrickfarrell/jat-sub014/internal/rules"
	"github.com/jpatrickfarrell/jat-sub014/internal/tmux"
)

// snapshotTail is how many capture lines ride along in session snapshots.
const snapshotTail = 20

// Sessions is the supervisor surface the handlers call.
type Sessions interface {
	Snapshot() []orchestrator.SessionView
	Get(name string) (orchestrator.SessionView, error)
	Spawn(req orchestrator.SpawnRequest) (orchestrator.SessionView, error)
	Kill(name string) error
	Rename(name, agentName string) error
	SendKeys(name string, keys ...string) error
	SendText(name, text string) error
	Pause(name string) error
	Resume(name string) error
	Decide(name string, kill bool) error
	Server(name string) (orchestrator.ServerSession, error)
	Servers() []orchestrator.ServerSession
	SpawnServer(name, dir, command string) (orchestrator.ServerSession, error)
	RestartServer(name string) (orchestrator.ServerSession, error)
	Events() *orchestrator.Broadcaster
}

// Questions is the question surface the answer endpoint drives.
type Questions interface {
	Pending(displayName string) (question.Question, bool)
	Answer(displayName, value string) error
	Cancel(displayName string) error
}

// Tails reads capture ring tails for snapshots.
type Tails interface {
	Tail(session string, n int) ([]string, bool)
}

// Ports resolves detected dev-server ports.
type Ports interface {
	Port(session string) (int, bool)
	Forget(session string)
}

// Server wires the API routes.
type Server struct {
	sessions  Sessions
	questions Questions
	rules     *rules.Store
	tails     Tails
	ports     Ports
	log       *zap.Logger
}

// NewServer creates the API server.
func NewServer(sessions Sessions, questions Questions, ruleStore *rules.Store, tails Tails, ports Ports, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		sessions:  sessions,
		questions: questions,
		rules:     ruleStore,
		tails:     tails,
		ports:     ports,
		log:       log,
	}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/stream", s.handleStream)
	mux.HandleFunc("POST /api/sessions/spawn", s.handleSpawn)
	mux.HandleFunc("POST /api/sessions/{name}/kill", s.handleKill)
	mux.HandleFunc("POST /api/sessions/{name}/rename", s.handleRename)
	mux.HandleFunc("POST /api/sessions/{name}/send-keys", s.handleSendKeys)
	mux.HandleFunc("POST /api/sessions/{name}/pause", s.handlePause)
	mux.HandleFunc("POST /api/sessions/{name}/resume", s.handleResume)
	mux.HandleFunc("POST /api/sessions/{name}/answer", s.handleAnswer)
	mux.HandleFunc("POST /api/sessions/{name}/decide", s.handleDecide)

	mux.HandleFunc("GET /api/rules", s.handleRulesList)
	mux.HandleFunc("POST /api/rules", s.handleRulesCreate)
	mux.HandleFunc("PUT /api/rules/{id}", s.handleRulesUpdate)
	mux.HandleFunc("DELETE /api/rules/{id}", s.handleRulesDelete)
	mux.HandleFunc("POST /api/rules/reorder", s.handleRulesReorder)
	mux.HandleFunc("GET /api/rules/export", s.handleRulesExport)
	mux.HandleFunc("POST /api/rules/import", s.handleRulesImport)

	mux.HandleFunc("GET /api/servers", s.handleServersList)
	mux.HandleFunc("POST /api/servers", s.handleServerSpawn)
	mux.HandleFunc("GET /api/servers/{name}", s.handleServerGet)
	mux.HandleFunc("POST /api/servers/{name}/restart", s.handleServerRestart)

	return mux
}

// sessionPayload is one entry of the sessions snapshot.
type sessionPayload struct {
	orchestrator.SessionView
	Tail            []string           `json:"tail,omitempty"`
	PendingQuestion *question.Question `json:"pendingQuestion,omitempty"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	views := s.sessions.Snapshot()
	out := make([]sessionPayload, 0, len(views))
	for _, v := range views {
		p := sessionPayload{SessionView: v}
		if tail, ok := s.tails.Tail(v.Name, snapshotTail); ok {
			p.Tail = tail
		}
		if q, ok := s.questions.Pending(v.Name); ok {
			p.PendingQuestion = &q
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleStream serves the SSE event stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := s.sessions.Events().Subscribe()
	defer cancel()

	// Heartbeat keeps proxies from closing idle streams.
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

type spawnBody struct {
	TaskID     string `json:"taskId"`
	ProjectKey string `json:"projectKey"`
	Epic       bool   `json:"epic,omitempty"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var body spawnBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.TaskID == "" || body.ProjectKey == "" {
		writeError(w, http.StatusBadRequest, "taskId and projectKey are required")
		return
	}
	v, err := s.sessions.Spawn(orchestrator.SpawnRequest{
		TaskID:     body.TaskID,
		ProjectKey: body.ProjectKey,
		Epic:       body.Epic,
	})
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Kill(r.PathValue("name")); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.sessions.Rename(r.PathValue("name"), body.Name); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendKeys(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keys []string `json:"keys"`
		Text string   `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	name := r.PathValue("name")
	if body.Text != "" {
		if err := s.sessions.SendText(name, body.Text); err != nil {
			s.writeMappedError(w, err)
			return
		}
	}
	if len(body.Keys) > 0 {
		if err := s.sessions.SendKeys(name, body.Keys...); err != nil {
			s.writeMappedError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Pause(r.PathValue("name")); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Resume(r.PathValue("name")); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDecide resolves a review decision surfaced on the event stream:
// complete the task, optionally killing the session afterwards.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kill bool `json:"kill,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.sessions.Decide(r.PathValue("name"), body.Kill); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value  string `json:"value"`
		Cancel bool   `json:"cancel,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	name := r.PathValue("name")
	var err error
	if body.Cancel {
		err = s.questions.Cancel(name)
	} else {
		err = s.questions.Answer(name, body.Value)
	}
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRulesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.rules.Snapshot()})
}

func (s *Server) handleRulesCreate(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	added, err := s.rules.Add(rule)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleRulesUpdate(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	updated, err := s.rules.Update(r.PathValue("id"), rule)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRulesDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.Delete(r.PathValue("id")); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRulesReorder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.rules.Reorder(body.IDs); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRulesExport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.Export())
}

func (s *Server) handleRulesImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode    rules.ImportMode `json:"mode"`
		Version int              `json:"version"`
		Rules   []rules.Rule     `json:"rules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.Mode == "" {
		body.Mode = rules.ImportMerge
	}
	file := rules.ExportFile{Version: body.Version, Rules: body.Rules}
	if err := s.rules.Import(file, body.Mode); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// serverPayload is a server session plus its detected port.
type serverPayload struct {
	orchestrator.ServerSession
	Port int      `json:"port,omitempty"`
	Tail []string `json:"tail,omitempty"`
}

func (s *Server) serverView(srv orchestrator.ServerSession) serverPayload {
	p := serverPayload{ServerSession: srv}
	if port, ok := s.ports.Port(srv.Name); ok {
		p.Port = port
	}
	if tail, ok := s.tails.Tail(srv.Name, snapshotTail); ok {
		p.Tail = tail
	}
	return p
}

func (s *Server) handleServersList(w http.ResponseWriter, r *http.Request) {
	servers := s.sessions.Servers()
	out := make([]serverPayload, 0, len(servers))
	for _, srv := range servers {
		out = append(out, s.serverView(srv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s *Server) handleServerGet(w http.ResponseWriter, r *http.Request) {
	srv, err := s.sessions.Server(r.PathValue("name"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.serverView(srv))
}

func (s *Server) handleServerSpawn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Dir     string `json:"dir"`
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.Name == "" || body.Command == "" {
		writeError(w, http.StatusBadRequest, "name and command are required")
		return
	}
	srv, err := s.sessions.SpawnServer(body.Name, body.Dir, body.Command)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.serverView(srv))
}

func (s *Server) handleServerRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	// The old port is stale the moment the process dies; re-detect from the
	// fresh session's capture.
	s.ports.Forget(name)
	srv, err := s.sessions.RestartServer(name)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.serverView(srv))
}

// writeMappedError translates component sentinels to HTTP status codes.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrSessionCap):
		writeError(w, http.StatusTooManyRequests, "session cap reached")
	case errors.Is(err, orchestrator.ErrUnknownSession),
		errors.Is(err, orchestrator.ErrUnknownServer),
		errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, tmux.ErrSessionNotFound),
		errors.Is(err, question.ErrNoPending):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrSessionTerminal),
		errors.Is(err, orchestrator.ErrNoServerCommand),
		errors.Is(err, tmux.ErrBadKey),
		errors.Is(err, rules.ErrNoPatterns),
		errors.Is(err, question.ErrUnknownOption),
		errors.Is(err, config.ErrProjectNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
