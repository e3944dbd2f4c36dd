package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jpatrickfarrell/jat-sub014/internal/capture"
	"github.com/jpatrickfarrell/jat-sub014/internal/tmux"
)

// ErrUnknownServer reports a server session the supervisor never started.
var ErrUnknownServer = errors.New("unknown server session")

// ErrNoServerCommand reports a restart of an adopted server whose start
// command was never recorded.
var ErrNoServerCommand = errors.New("no start command recorded for server session")

// SpawnServer starts a sidecar dev-server session named server-<name>. Its
// command is remembered so Restart can recreate it.
func (s *Supervisor) SpawnServer(name, dir, command string) (ServerSession, error) {
	full := name
	if !strings.HasPrefix(full, capture.ServerPrefix) {
		full = capture.ServerPrefix + name
	}
	if err := s.bus.Create(full, dir, serverWidth, serverHeight, command); err != nil {
		return ServerSession{}, fmt.Errorf("creating server session: %w", err)
	}
	srv := &ServerSession{Name: full, Dir: dir, Command: command, StartedAt: s.now()}
	s.do(func() {
		s.servers[full] = srv
		s.capture.Track(s.runCtx, full)
	})
	s.events.Publish(Event{Type: EventServer, Session: full, Data: *srv})
	s.log.Info("server session started", zap.String("session", full))
	return *srv, nil
}

// AdoptServer registers an already-running server-* tmux session so the
// API sees it and its port gets detected from capture. The start command
// is unknown for adopted sessions, so they cannot be restarted.
func (s *Supervisor) AdoptServer(name string) (ServerSession, error) {
	ok, err := s.bus.Exists(name)
	if err != nil {
		return ServerSession{}, fmt.Errorf("checking server session: %w", err)
	}
	if !ok {
		return ServerSession{}, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}

	var srv ServerSession
	adopted := false
	s.do(func() {
		if existing, ok := s.servers[name]; ok {
			srv = *existing
			return
		}
		rec := &ServerSession{Name: name, StartedAt: s.now()}
		s.servers[name] = rec
		s.capture.Track(s.runCtx, name)
		srv = *rec
		adopted = true
	})
	if adopted {
		s.events.Publish(Event{Type: EventServer, Session: name, Data: srv})
		s.log.Info("server session adopted", zap.String("session", name))
	}
	return srv, nil
}

// Server returns one sidecar server session.
func (s *Supervisor) Server(name string) (ServerSession, error) {
	var (
		srv ServerSession
		err error
	)
	s.do(func() {
		found, ok := s.servers[name]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownServer, name)
			return
		}
		srv = *found
	})
	return srv, err
}

// Servers lists all sidecar server sessions.
func (s *Supervisor) Servers() []ServerSession {
	var out []ServerSession
	s.do(func() {
		for _, srv := range s.servers {
			out = append(out, *srv)
		}
	})
	return out
}

// RestartServer kills and recreates a server session with its remembered
// command. The caller (web layer) resets the port detector so the new port
// is re-detected from capture.
func (s *Supervisor) RestartServer(name string) (ServerSession, error) {
	srv, err := s.Server(name)
	if err != nil {
		return ServerSession{}, err
	}
	if srv.Command == "" {
		return ServerSession{}, fmt.Errorf("%w: %s", ErrNoServerCommand, name)
	}

	if err := s.bus.Kill(srv.Name); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
		return ServerSession{}, fmt.Errorf("killing server session: %w", err)
	}
	s.capture.Untrack(srv.Name)

	if err := s.bus.Create(srv.Name, srv.Dir, serverWidth, serverHeight, srv.Command); err != nil {
		return ServerSession{}, fmt.Errorf("recreating server session: %w", err)
	}
	restarted := ServerSession{Name: srv.Name, Dir: srv.Dir, Command: srv.Command, StartedAt: time.Now()}
	s.do(func() {
		s.servers[srv.Name] = &restarted
		s.capture.Track(s.runCtx, srv.Name)
	})
	s.events.Publish(Event{Type: EventServer, Session: srv.Name, Data: restarted})
	s.log.Info("server session restarted", zap.String("session", srv.Name))
	return restarted, nil
}
