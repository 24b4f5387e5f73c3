// Package control exposes an optional loopback WebSocket the Call
// Orchestrator broadcasts state transitions over, so a UI layer (out of
// scope here per §1, but needing some event surface) can observe
// SessionStatus/ICE-style state without polling. Grounded on the teacher's
// /api/call/media WebSocket bridge in internal/viewer/routes/call.go.
//
// It never binds anything but loopback: this is a local process boundary
// between the mesh daemon and a native UI shell on the same device, not a
// remote control surface.
package control

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vince0028/gitchat-mesh/internal/call"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StateEvent is one call-state broadcast.
type StateEvent struct {
	State      string `json:"state"`
	RemotePeer string `json:"remote_peer,omitempty"`
}

// Server is the loopback WebSocket endpoint. Off by default; mesh.New wires
// it up only when the config's Call.ControlEnabled is set.
type Server struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	remotePeer string
	http       *http.Server
	ln         net.Listener
}

// New builds a Server. It does not listen until Start is called.
func New() *Server {
	s := &Server{clients: make(map[*websocket.Conn]struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/call/state", s.handleWS)
	s.http = &http.Server{Handler: mux}
	return s
}

// Start binds addr (a loopback address; "127.0.0.1:0" picks an ephemeral
// port) and begins serving WebSocket upgrades.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("call/control: serve: %v", err)
		}
	}()
	return nil
}

// Addr reports the bound address; valid only after Start succeeds.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes every connected client and the listener.
func (s *Server) Stop() error {
	s.mu.Lock()
	for c := range s.clients {
		c.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.http.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("call/control: upgrade: %v", err)
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	// This endpoint is broadcast-only; drain incoming frames (ping/pong,
	// close) without blocking so a dead peer is noticed.
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends ev to every connected client, dropping any client whose
// write fails.
func (s *Server) Broadcast(ev StateEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			c.Close()
			delete(s.clients, c)
		}
	}
}

// SetRemotePeer records the peer id of the call currently in progress, so
// subsequent state broadcasts can carry it.
func (s *Server) SetRemotePeer(peerID string) {
	s.mu.Lock()
	s.remotePeer = peerID
	s.mu.Unlock()
}

// OnStateChange adapts call.Manager.OnStateChange's callback shape to a
// Broadcast call; wire it directly: `mgr.OnStateChange = ctrl.OnStateChange`.
func (s *Server) OnStateChange(st call.State) {
	s.mu.Lock()
	peer := s.remotePeer
	s.mu.Unlock()
	s.Broadcast(StateEvent{State: st.String(), RemotePeer: peer})
}
