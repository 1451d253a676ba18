package feed

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
)

const defaultPing = 20 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Controls are the session operations exposed to clients.
type Controls interface {
	Connect(peer shieldlink.PeerID)
	Disconnect()
	Forget()
	SendText(text string)
	ReadRSSI()
	Read(u uuid.UUID)
}

// Server serves the event stream and the control API.
type Server struct {
	bus    *Bus
	ctl    Controls
	status func() interface{}
	ping   time.Duration
	log    shieldlink.Logger
}

// NewServer returns a server. status, when set, backs GET /api/status.
func NewServer(bus *Bus, ctl Controls, status func() interface{}) *Server {
	return &Server{
		bus:    bus,
		ctl:    ctl,
		status: status,
		ping:   defaultPing,
		log:    shieldlink.PkgLogger("feed"),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/events", s.eventStream)
	mux.HandleFunc("GET /api/status", s.getStatus)
	mux.HandleFunc("POST /api/connect", s.connect)
	mux.HandleFunc("POST /api/disconnect", s.simple(func() { s.ctl.Disconnect() }))
	mux.HandleFunc("POST /api/forget", s.simple(func() { s.ctl.Forget() }))
	mux.HandleFunc("POST /api/rssi", s.simple(func() { s.ctl.ReadRSSI() }))
	mux.HandleFunc("POST /api/send", s.send)
	mux.HandleFunc("POST /api/read", s.read)
	return mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Infof("listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(shutCtx), "shutdown")
	case err := <-errCh:
		return errors.Wrap(err, "serve")
	}
}

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch, unsub := s.bus.Subscribe()
	defer unsub()

	// reads only to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.ping)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				s.log.Debugf("ws write: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

type connectRequest struct {
	Peer string `json:"peer"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := jsoniter.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	peer := shieldlink.NewPeerID(req.Peer)
	if peer.IsZero() {
		http.Error(w, "peer must not be empty", http.StatusBadRequest)
		return
	}
	s.ctl.Connect(peer)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "connecting", "peer": peer})
}

type sendRequest struct {
	Text string `json:"text"`
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := jsoniter.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text must not be empty", http.StatusBadRequest)
		return
	}
	s.ctl.SendText(req.Text)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "queued"})
}

type readRequest struct {
	Characteristic string `json:"characteristic"`
}

// characteristicUUID accepts "tx", "rx" or a full UUID.
func characteristicUUID(name string) (uuid.UUID, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "tx":
		return shieldlink.ShieldTXUUID, nil
	case "rx":
		return shieldlink.ShieldRXUUID, nil
	}
	return uuid.Parse(name)
}

func (s *Server) read(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if err := jsoniter.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	u, err := characteristicUUID(req.Characteristic)
	if err != nil {
		http.Error(w, "characteristic must be tx, rx or a UUID", http.StatusBadRequest)
		return
	}
	s.ctl.Read(u)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "reading", "characteristic": u})
}

func (s *Server) simple(fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn()
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	jsoniter.NewEncoder(w).Encode(v) //nolint:errcheck
}
