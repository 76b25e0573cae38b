package node

import (
	"context"
	"errors"
	"fmt"
	"meshnode/datamodel/apikey"
	"meshnode/datamodel/peer"
	"meshnode/helper/timer"
	"meshnode/net/stream"
	"meshnode/swarm/access"
	"meshnode/swarm/client"
	"meshnode/swarm/protocol"
	"meshnode/swarm/server"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

const (
	TransportTCP  = "tcp"
	TransportHTTP = "http"
)

type Options struct {
	// Listening identity. Port 0 picks a free port, Self then reports the bound one.
	Host string
	Port int

	Transport      string
	ReadBufferSize int
	DialTimeout    time.Duration

	// Key presented to other nodes on outbound calls
	APIKey string

	// Optional bootstrap target
	Bootstrap     *peer.Address
	GraceInterval time.Duration
	RetryInterval time.Duration
	RetryJitter   time.Duration
	MaxAttempts   int

	// Clock drives the bootstrap timers. Defaults to the wall clock.
	Clock clock.Clock
}

type Node struct {
	self peer.Address
	opts Options

	// Storage
	Peers    peer.Store
	Registry apikey.Registry

	Policy access.Policy

	// Networking
	listener net.Listener

	mu       sync.Mutex
	sessions map[*client.Session]struct{}
	closed   bool

	// Helpers
	sg singleflight.Group
}

// New binds the listening socket and returns the node. The node does not accept connections until Run is called.
// registry may be nil when the node does not expose registration.
func New(opts Options, peers peer.Store, registry apikey.Registry, policy access.Policy) (*Node, error) {
	switch opts.Transport {
	case TransportTCP, TransportHTTP:
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.Transport)
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = protocol.DefaultBufSize
	}
	if opts.DialTimeout <= 0 {
		return nil, errors.New("dial timeout must be positive")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if policy == nil {
		policy = access.Open{}
	}

	l, err := net.Listen("tcp", net.JoinHostPort(opts.Host, fmt.Sprint(opts.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s:%d: %w", opts.Host, opts.Port, err)
	}

	self := peer.New(opts.Host, opts.Port)
	if tcpAddr, ok := l.Addr().(*net.TCPAddr); ok {
		self.Port = tcpAddr.Port
	}

	n := &Node{
		self:     self,
		opts:     opts,
		Peers:    peers,
		Registry: registry,
		Policy:   policy,
		listener: l,
		sessions: make(map[*client.Session]struct{}),
	}

	log.WithFields(log.Fields{
		"transport": opts.Transport,
		"policy":    policy.Name(),
	}).Infof("Node listening on %s", self)

	return n, nil
}

// Self is the address this node listens on and announces to others.
func (n *Node) Self() peer.Address {
	return n.self
}

func (n *Node) Transport() string {
	return n.opts.Transport
}

// Run serves inbound connections and, if configured, connects to the bootstrap node. It returns when ctx is
// cancelled or the listener fails.
func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		switch n.opts.Transport {
		case TransportHTTP:
			srv := server.NewServer(n.listener, n.Router(), n.opts.DialTimeout)
			return srv.Serve(cctx)
		default:
			srv := stream.NewServer(n.listener, n.handleStream)
			return srv.Serve(cctx)
		}
	})

	if n.opts.Bootstrap != nil {
		wg.Go(func() error {
			n.bootstrap(cctx)
			return nil
		})
	}

	wg.Go(func() error {
		<-cctx.Done()
		if err := n.closeSessions(); err != nil {
			log.Debugf("Closing outbound sessions: %v", err)
		}
		return nil
	})

	err := wg.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// bootstrap waits for the grace interval, then connects to the bootstrap node. The grace interval only lowers the
// chance of racing the remote node's own startup, it does not rule it out; retries cover the rest.
func (n *Node) bootstrap(ctx context.Context) {
	target := *n.opts.Bootstrap

	if err := timer.Sleep(ctx, n.opts.Clock, n.opts.GraceInterval); err != nil {
		return
	}

	interval := &timer.Interval{Duration: n.opts.RetryInterval, Jitter: n.opts.RetryJitter}
	err := timer.Retry(ctx, n.opts.Clock, interval, n.opts.MaxAttempts, func(ctx context.Context) error {
		return n.ConnectToPeer(ctx, target)
	})
	if err != nil {
		log.WithField("bootstrap", target.String()).Warnf("Bootstrap connect gave up: %v", err)
		return
	}
	log.WithField("bootstrap", target.String()).Info("Bootstrap connect succeeded")
}

// ConnectToPeer adds target to the peer set and performs the handshake with it over the node's transport.
// Failures are logged and returned; they never affect the node itself. With the TCP transport the session stays
// open until the node stops.
func (n *Node) ConnectToPeer(ctx context.Context, target peer.Address) error {
	if err := target.Validate(); err != nil {
		return err
	}

	_, err, _ := n.sg.Do(n.opts.Transport+"/"+target.String(), func() (interface{}, error) {
		switch n.opts.Transport {
		case TransportHTTP:
			return nil, n.connectHTTP(ctx, target)
		default:
			sess, err := n.DialStream(ctx, target)
			if err != nil {
				return nil, err
			}
			if !n.trackSession(sess) {
				sess.Close()
				return nil, nil
			}
			go n.watchSession(sess)
			return nil, nil
		}
	})

	if err != nil {
		log.WithField("peer", target.String()).Errorf("Failed to connect to peer: %v", err)
	}
	return err
}

func (n *Node) connectHTTP(ctx context.Context, target peer.Address) error {
	fields := log.Fields{"peer": target.String(), "state": "connecting"}
	log.WithFields(fields).Debug("Connecting")

	if err := n.Peers.Add(target); err != nil {
		return err
	}

	c := client.New(target, n.opts.APIKey, n.opts.DialTimeout)
	fields["state"] = "handshaking"
	log.WithFields(fields).Debug("Requesting peer list")

	remote, err := c.Connect(ctx, n.self)
	if err != nil {
		return err
	}

	added, err := n.Peers.Merge(remote)
	if err != nil {
		return err
	}

	fields["state"] = "closed"
	log.WithFields(fields).Infof("Connected to peer, learned %d new peers (%d total)", added, n.Peers.Len())
	return nil
}

// DialStream opens a long-lived TCP session to target on behalf of the node. The caller owns the session.
func (n *Node) DialStream(ctx context.Context, target peer.Address) (*client.Session, error) {
	return JoinStream(ctx, n.Peers, target, n.opts.DialTimeout)
}

// JoinStream dials target, records it in peers and merges the snapshot it sends. Target is recorded as soon as the
// dial succeeds, even if the snapshot turns out to be unreadable. The session is left open for echo exchanges. The
// dialing side never removes target when the session ends.
func JoinStream(ctx context.Context, peers peer.Store, target peer.Address, timeout time.Duration) (*client.Session, error) {
	fields := log.Fields{"peer": target.String(), "state": "connecting"}
	log.WithFields(fields).Debug("Connecting")

	sess, err := client.Dial(ctx, target, timeout)
	if err != nil {
		return nil, err
	}

	fields["state"] = "handshaking"
	if err := peers.Add(target); err != nil {
		sess.Close()
		return nil, err
	}

	if err := sess.ReceivePeers(timeout); err != nil {
		sess.Close()
		return nil, err
	}

	added, err := peers.Merge(sess.Peers)
	if err != nil {
		sess.Close()
		return nil, err
	}

	fields["state"] = "open"
	log.WithFields(fields).Infof("Connected to peer, learned %d new peers (%d total)", added, peers.Len())

	return sess, nil
}

// handleStream runs the accepting side of the long-lived exchange. Whatever ends the session, the remote address
// is removed from the peer set and the set is persisted before the connection is closed.
func (n *Node) handleStream(ctx context.Context, conn net.Conn) {
	remote, err := peer.FromNetAddr(conn.RemoteAddr())
	if err != nil {
		log.Errorf("Rejecting connection with unusable remote address %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	logger := log.WithField("peer", remote.String())

	if err := n.Policy.AuthorizeConnect(ctx, &access.Request{RemoteHost: remote.Host}); err != nil {
		logger.Warnf("Rejecting connection: %v", err)
		conn.Close()
		return
	}

	logger.WithField("state", "handshaking").Info("Connected")

	if err := n.Peers.Add(remote); err != nil {
		logger.Errorf("Failed to record peer: %v", err)
		conn.Close()
		return
	}

	defer func() {
		if err := n.Peers.Remove(remote); err != nil {
			logger.Errorf("Failed to remove peer: %v", err)
		}
		conn.Close()
		logger.WithField("state", "closed").Info("Connection closed")
	}()

	if err := protocol.WritePeerList(conn, n.Peers.Snapshot()); err != nil {
		logger.Errorf("Failed to send peer list: %v", err)
		return
	}

	logger.WithField("state", "open").Debug("Peer list sent")

	n.echo(logger, conn)
}

// echo acknowledges every read chunk until the remote closes or the connection fails.
func (n *Node) echo(logger *log.Entry, conn net.Conn) {
	buf := make([]byte, n.opts.ReadBufferSize)
	for {
		k, err := conn.Read(buf)
		if k > 0 {
			logger.Debugf("Received %d bytes: %q", k, buf[:k])
			if _, werr := conn.Write(protocol.Ack(buf[:k])); werr != nil {
				logger.Warnf("Failed to acknowledge: %v", werr)
				return
			}
		}
		if err != nil {
			logger.Debugf("Read ended: %v", err)
			return
		}
	}
}

func (n *Node) trackSession(sess *client.Session) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.sessions[sess] = struct{}{}
	return true
}

// watchSession keeps an outbound session tracked until the remote ends it.
func (n *Node) watchSession(sess *client.Session) {
	err := sess.Wait()
	log.WithField("peer", sess.Remote().String()).Debugf("Outbound session ended: %v", err)

	n.mu.Lock()
	delete(n.sessions, sess)
	n.mu.Unlock()

	sess.Close()
}

func (n *Node) closeSessions() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var err error
	n.closed = true
	for sess := range n.sessions {
		err = multierr.Append(err, sess.Close())
	}
	n.sessions = make(map[*client.Session]struct{})
	return err
}

// Close releases open sessions and the listener. The registry and peer store belong to the caller.
func (n *Node) Close() error {
	err := n.closeSessions()
	if cerr := n.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, cerr)
	}
	return err
}
