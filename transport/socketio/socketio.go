// Package socketio connects browsers to the orchestrator over socket.io. It
// provides the broadcast sink runtimes write to and turns lobby events from
// clients into orchestrator calls.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zishang520/socket.io/v2/socket"

	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/internal/logging"
	"github.com/caffeineduck/partybox/orchestrator"
	"github.com/caffeineduck/partybox/protocol"
)

// Events sent back to the caller of a lobby event.
const (
	EventCreated  = "lobby:created"
	EventJoined   = "lobby:joined"
	EventSelected = "game:selected"
	EventRejected = "lobby:error"
)

const selectTimeout = 30 * time.Second

// Lobby is the part of the orchestrator clients can drive.
type Lobby interface {
	OpenSession(s orchestrator.Session) error
	CloseSession(ctx context.Context, sessionID string) error
	Join(sessionID string, p protocol.Player) error
	Leave(sessionID, connectionID string) error
	SelectGame(ctx context.Context, sessionID, gameID string) error
	Action(sessionID, connectionID, action string, data json.RawMessage) bool
	EndGame(ctx context.Context, sessionID string) error
}

// Broadcaster implements orchestrator.Sink over socket.io rooms. Every
// session has a room; every socket is alone in the room named by its id.
type Broadcaster struct {
	io     *socket.Server
	logger *slog.Logger

	mu    sync.Mutex
	hosts map[string]string // session id → host connection id
}

func NewBroadcaster(io *socket.Server, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Broadcaster{io: io, logger: logger, hosts: make(map[string]string)}
}

func sessionRoom(sessionID string) socket.Room {
	return socket.Room("session:" + sessionID)
}

func (b *Broadcaster) SendToAll(sessionID, event string, data json.RawMessage) {
	b.emit(sessionRoom(sessionID), event, data)
}

func (b *Broadcaster) SendToPlayer(connectionID, event string, data json.RawMessage) {
	b.emit(socket.Room(connectionID), event, data)
}

func (b *Broadcaster) SendToHost(sessionID, event string, data json.RawMessage) {
	b.mu.Lock()
	host, ok := b.hosts[sessionID]
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("no host for session", "session", sessionID, "event", event)
		return
	}
	b.emit(socket.Room(host), event, data)
}

// emit decodes data first so the client receives JSON values rather than a
// binary attachment.
func (b *Broadcaster) emit(room socket.Room, event string, data json.RawMessage) {
	var v any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			b.logger.Warn("dropping event with invalid data", "room", room, "event", event, "error", err)
			return
		}
	}
	if err := b.io.To(room).Emit(event, v); err != nil {
		b.logger.Warn("emit failed", "room", room, "event", event, "error", err)
	}
}

func (b *Broadcaster) setHost(sessionID, connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hosts[sessionID] = connectionID
}

func (b *Broadcaster) dropHost(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.hosts, sessionID)
}

// membership is what one socket is to the lobby.
type membership struct {
	sessionID string
	host      bool
}

// Server wires socket.io connections to a Lobby.
type Server struct {
	io       *socket.Server
	sink     *Broadcaster
	lobby    Lobby
	strategy string
	logger   *slog.Logger

	mu      sync.Mutex
	members map[string]membership
}

// NewServer registers the connection handler on io. strategy is reported by
// the health endpoint.
func NewServer(io *socket.Server, sink *Broadcaster, lobby Lobby, strategy string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		io:       io,
		sink:     sink,
		lobby:    lobby,
		strategy: strategy,
		logger:   logger,
		members:  make(map[string]membership),
	}
	io.On("connection", func(clients ...any) {
		c, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.attach(c)
	})
	return s
}

// Handler serves socket.io under /socket.io/ and a health probe at /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s.io.ServeHandler(nil))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "strategy": s.strategy})
	})
	return mux
}

type lobbyRequest struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
}

type selectRequest struct {
	GameID string `json:"gameId"`
}

type actionRequest struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type rejection struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func (s *Server) attach(c *socket.Socket) {
	connID := string(c.Id())
	logger := s.logger.With("connection", connID)
	logger.Debug("client connected")

	reject := func(event string, err error) {
		logger.Info("lobby request rejected", "event", event, "error", err)
		c.Emit(EventRejected, rejection{Event: event, Message: publicMessage(err)})
	}

	c.On("lobby:create", func(args ...any) {
		var req lobbyRequest
		if err := decodeArgs(args, &req); err != nil || req.SessionID == "" {
			reject("lobby:create", orInvalid(err))
			return
		}
		if err := s.lobby.OpenSession(orchestrator.Session{ID: req.SessionID, HostConnectionID: connID}); err != nil {
			reject("lobby:create", err)
			return
		}
		s.sink.setHost(req.SessionID, connID)
		s.remember(connID, membership{sessionID: req.SessionID, host: true})
		c.Join(sessionRoom(req.SessionID))
		logger.Info("session opened", "session", req.SessionID)
		c.Emit(EventCreated, map[string]string{"sessionId": req.SessionID})
	})

	c.On("lobby:join", func(args ...any) {
		var req lobbyRequest
		if err := decodeArgs(args, &req); err != nil || req.SessionID == "" {
			reject("lobby:join", orInvalid(err))
			return
		}
		if err := s.lobby.Join(req.SessionID, protocol.Player{ConnectionID: connID, DisplayName: req.DisplayName}); err != nil {
			reject("lobby:join", err)
			return
		}
		s.remember(connID, membership{sessionID: req.SessionID})
		c.Join(sessionRoom(req.SessionID))
		c.Emit(EventJoined, map[string]string{"sessionId": req.SessionID, "connectionId": connID})
	})

	c.On("game:select", func(args ...any) {
		m, ok := s.membership(connID)
		if !ok || !m.host {
			reject("game:select", errNotHost)
			return
		}
		var req selectRequest
		if err := decodeArgs(args, &req); err != nil {
			reject("game:select", orInvalid(err))
			return
		}
		// Spawning can take seconds; keep the socket's event loop free.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), selectTimeout)
			defer cancel()
			if err := s.lobby.SelectGame(ctx, m.sessionID, req.GameID); err != nil {
				reject("game:select", err)
				return
			}
			c.Emit(EventSelected, map[string]string{"gameId": req.GameID})
		}()
	})

	c.On("game:action", func(args ...any) {
		m, ok := s.membership(connID)
		if !ok {
			return
		}
		var req actionRequest
		if err := decodeArgs(args, &req); err != nil || req.Action == "" {
			reject("game:action", orInvalid(err))
			return
		}
		if !s.lobby.Action(m.sessionID, connID, req.Action, req.Data) {
			logger.Debug("action not delivered", "session", m.sessionID, "action", req.Action)
		}
	})

	c.On("game:end", func(...any) {
		m, ok := s.membership(connID)
		if !ok || !m.host {
			reject("game:end", errNotHost)
			return
		}
		go func() {
			if err := s.lobby.EndGame(context.Background(), m.sessionID); err != nil {
				reject("game:end", err)
			}
		}()
	})

	c.On("disconnect", func(...any) {
		m, ok := s.forget(connID)
		if !ok {
			return
		}
		logger.Debug("client disconnected", "session", m.sessionID, "host", m.host)
		go func() {
			var err error
			if m.host {
				s.sink.dropHost(m.sessionID)
				err = s.lobby.CloseSession(context.Background(), m.sessionID)
			} else {
				err = s.lobby.Leave(m.sessionID, connID)
			}
			if err != nil && !errors.Is(err, orchestrator.ErrSessionNotFound) {
				logger.Warn("cleanup after disconnect", "session", m.sessionID, "error", err)
			}
		}()
	})
}

func (s *Server) remember(connID string, m membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[connID] = m
}

func (s *Server) membership(connID string) (membership, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[connID]
	return m, ok
}

func (s *Server) forget(connID string) (membership, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[connID]
	delete(s.members, connID)
	return m, ok
}

var (
	errNotHost = errors.New("only the host can do that")
	errInvalid = errors.New("invalid request")
)

func orInvalid(err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalid, err)
	}
	return errInvalid
}

// decodeArgs converts the first event argument, a decoded JSON value, into v.
func decodeArgs(args []any, v any) error {
	if len(args) == 0 {
		return nil
	}
	raw, err := json.Marshal(args[0])
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// publicMessage hides internal detail behind the generic notice for the
// failure class. Lobby errors are safe to show as they are.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, errNotHost), errors.Is(err, errInvalid),
		errors.Is(err, orchestrator.ErrSessionNotFound), errors.Is(err, orchestrator.ErrSessionExists):
		return err.Error()
	}
	return fault.UserMessage(fault.CodeOf(err))
}
