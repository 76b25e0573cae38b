package client

import (
	"context"
	"fmt"
	"io"
	"meshnode/datamodel/peer"
	"meshnode/swarm/protocol"
	"net"
	"time"
)

// Session is the dialing side of a long-lived TCP exchange: the remote snapshot has been received and the
// connection stays open for echo round trips.
type Session struct {
	conn   net.Conn
	remote peer.Address

	// Peers is the snapshot the remote node sent on connect
	Peers protocol.PeerList
}

// Dial opens a TCP session to addr without reading anything from it. The dial is bounded by timeout.
func Dial(ctx context.Context, addr peer.Address, timeout time.Duration) (*Session, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrTransport, addr, err)
	}

	return &Session{
		conn:   conn,
		remote: addr,
	}, nil
}

// ReceivePeers reads the snapshot the remote sends on connect and stores it in Peers.
func (s *Session) ReceivePeers(timeout time.Duration) error {
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	defer s.conn.SetReadDeadline(time.Time{})

	pl, err := protocol.ReadPeerList(s.conn)
	if err != nil {
		return err
	}
	s.Peers = pl
	return nil
}

// DialStream connects to addr and reads the remote snapshot. The dial and the snapshot read are bounded by timeout.
func DialStream(ctx context.Context, addr peer.Address, timeout time.Duration) (*Session, error) {
	sess, err := Dial(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	if err := sess.ReceivePeers(timeout); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

func (s *Session) Remote() peer.Address {
	return s.remote
}

func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Send writes payload as is. The remote acknowledges every chunk it reads separately.
func (s *Session) Send(payload []byte) error {
	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("%w: write to %s: %v", protocol.ErrTransport, s.remote, err)
	}
	return nil
}

// Read returns whatever acknowledgement bytes are available, up to len(buf).
func (s *Session) Read(buf []byte) (int, error) {
	n, err := s.conn.Read(buf)
	if err != nil && n == 0 {
		return 0, fmt.Errorf("%w: read from %s: %v", protocol.ErrTransport, s.remote, err)
	}
	return n, nil
}

// Exchange sends payload and waits for one acknowledgement read.
func (s *Session) Exchange(payload []byte, timeout time.Duration) ([]byte, error) {
	if err := s.Send(payload); err != nil {
		return nil, err
	}

	s.conn.SetReadDeadline(time.Now().Add(timeout))
	defer s.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, len(protocol.AckPrefix)+len(payload)+4096)
	n, err := s.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Wait discards incoming bytes until the remote closes the session or it fails.
func (s *Session) Wait() error {
	_, err := io.Copy(io.Discard, s.conn)
	return err
}

func (s *Session) Close() error {
	return s.conn.Close()
}
