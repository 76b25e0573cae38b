package node

import (
	"encoding/json"
	"errors"
	"meshnode/datamodel/apikey"
	"meshnode/datamodel/peer"
	"meshnode/swarm/access"
	"meshnode/swarm/protocol"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	log "github.com/sirupsen/logrus"
)

// Server holds the HTTP handlers of a node.
type Server struct {
	node *Node
}

// Router returns the HTTP surface of the node.
func (n *Node) Router() http.Handler {
	s := &Server{node: n}

	r := mux.NewRouter()
	r.Use(logRequests)

	r.HandleFunc("/", s.Info).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.Peers).Methods(http.MethodGet)
	r.HandleFunc("/connect", s.ConnectOutbound).Methods(http.MethodPost)
	r.HandleFunc("/connect", s.ConnectInbound).Methods(http.MethodGet)
	r.HandleFunc("/message", s.Message).Methods(http.MethodPost)
	r.HandleFunc("/register", s.Register).Methods(http.MethodPost)

	return r
}

// GET /
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	self := s.node.Self()
	writeJSON(w, http.StatusOK, &protocol.InfoResponse{
		Host:      self.Host,
		Port:      self.Port,
		Transport: s.node.Transport(),
		Policy:    s.node.Policy.Name(),
		Peers:     s.node.Peers.Len(),
	})
}

// GET /peers
func (s *Server) Peers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &protocol.PeersResponse{Peers: s.node.Peers.Snapshot()})
}

// POST /connect?peer_host=&peer_port= asks this node to connect to another one
func (s *Server) ConnectOutbound(w http.ResponseWriter, r *http.Request) {
	target, err := peerFromQuery(r, "")
	if err != nil {
		writeError(w, err)
		return
	}

	// Whatever the remote answered, the failure is on the far side of this request
	if err := s.node.ConnectToPeer(r.Context(), target); err != nil {
		writeJSON(w, http.StatusBadGateway, &protocol.ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, &protocol.PeersResponse{Peers: s.node.Peers.Snapshot()})
}

// GET /connect?peer_host=&peer_port= is the handshake of a node connecting to this one. The caller is recorded
// under its announced address and receives the current snapshot.
func (s *Server) ConnectInbound(w http.ResponseWriter, r *http.Request) {
	req := accessRequest(r)
	if err := s.node.Policy.AuthorizeConnect(r.Context(), req); err != nil {
		log.WithField("remote", r.RemoteAddr).Warnf("Rejected connect: %v", err)
		writeError(w, err)
		return
	}

	caller, err := peerFromQuery(r, req.RemoteHost)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.node.Peers.Add(caller); err != nil {
		writeError(w, err)
		return
	}

	log.WithField("peer", caller.String()).Info("Peer connected")

	writeJSON(w, http.StatusOK, &protocol.PeersResponse{Peers: s.node.Peers.Snapshot()})
}

// POST /message
func (s *Server) Message(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Policy.AuthorizeMessage(r.Context(), accessRequest(r)); err != nil {
		log.WithField("remote", r.RemoteAddr).Warnf("Rejected message: %v", err)
		writeError(w, err)
		return
	}

	var req protocol.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &protocol.ErrorResponse{Error: err.Error()})
		return
	}

	log.WithField("remote", r.RemoteAddr).Infof("Received message: %s", req.Message)

	writeJSON(w, http.StatusOK, &protocol.MessageResponse{Response: string(protocol.Ack([]byte(req.Message)))})
}

// POST /register is open to everyone, including on gated nodes
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	if s.node.Registry == nil {
		writeJSON(w, http.StatusNotImplemented, &protocol.ErrorResponse{Error: "registration is not enabled on this node"})
		return
	}

	var req protocol.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &protocol.ErrorResponse{Error: err.Error()})
		return
	}

	if err := s.node.Registry.Register(&apikey.Record{Key: req.APIKey, Email: req.Email}); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, &protocol.RegisterResponse{Status: "registered"})
}

func accessRequest(r *http.Request) *access.Request {
	key := r.Header.Get(protocol.HeaderAPIKey)
	if key == "" {
		key = r.URL.Query().Get(protocol.ParamAPIKey)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	return &access.Request{APIKey: key, RemoteHost: host}
}

// peerFromQuery reads peer_host and peer_port. defaultHost is used when peer_host is absent.
func peerFromQuery(r *http.Request, defaultHost string) (peer.Address, error) {
	q := r.URL.Query()

	host := q.Get(protocol.ParamPeerHost)
	if host == "" {
		host = defaultHost
	}

	port, err := strconv.Atoi(q.Get(protocol.ParamPeerPort))
	if err != nil {
		return peer.Address{}, errors.Join(peer.ErrMalformed, errors.New("peer_port must be an integer"))
	}

	addr := peer.New(host, port)
	return addr, addr.Validate()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, access.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apikey.ErrInvalidInput), errors.Is(err, peer.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, apikey.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrTransport), errors.Is(err, protocol.ErrProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), &protocol.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Failed to write response: %v", err)
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}
