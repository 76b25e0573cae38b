package protocol

import (
	"errors"
	"fmt"
	"io"
	"meshnode/datamodel/peer"

	"github.com/fxamacker/cbor/v2"
)

// AckPrefix marks every echoed payload.
const AckPrefix = "ACK: "

// Headers and query parameters of the HTTP surface
const (
	HeaderAPIKey   = "X-API-Key"
	ParamAPIKey    = "api_key"
	ParamPeerHost  = "peer_host"
	ParamPeerPort  = "peer_port"
	DefaultBufSize = 100
)

var (
	ErrTransport = errors.New("transport error")
	ErrProtocol  = errors.New("protocol error")
)

// PeerList is the snapshot a node sends when a peer connects. It is a plain array of [host, port] pairs.
type PeerList []peer.Address

// Validate rejects entries that cannot be dialed.
func (pl PeerList) Validate() error {
	for i, a := range pl {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrProtocol, i, err)
		}
	}
	return nil
}

// WritePeerList sends the snapshot as a single CBOR message on a stream.
func WritePeerList(w io.Writer, pl PeerList) error {
	if pl == nil {
		pl = PeerList{}
	}
	if err := cbor.NewEncoder(w).Encode(pl); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// ReadPeerList reads one CBOR snapshot from a stream.
func ReadPeerList(r io.Reader) (PeerList, error) {
	var pl PeerList
	if err := cbor.NewDecoder(r).Decode(&pl); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := pl.Validate(); err != nil {
		return nil, err
	}
	return pl, nil
}

// Ack wraps a received payload into its acknowledgement.
func Ack(payload []byte) []byte {
	out := make([]byte, 0, len(AckPrefix)+len(payload))
	out = append(out, AckPrefix...)
	return append(out, payload...)
}

// HTTP bodies

type InfoResponse struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`
	Policy    string `json:"policy"`
	Peers     int    `json:"peers"`
}

type PeersResponse struct {
	Peers PeerList `json:"peers"`
}

type MessageRequest struct {
	Message string `json:"message"`
}

type MessageResponse struct {
	Response string `json:"response"`
}

type RegisterRequest struct {
	APIKey string `json:"api_key"`
	Email  string `json:"email"`
}

type RegisterResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
