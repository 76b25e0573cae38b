// Package stream runs a TCP accept loop and hands every connection to a handler on its own goroutine.
package stream

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Handler owns conn until it returns. When the server stops, the context is cancelled and pending I/O on conn fails
// with a deadline error; conn is closed once the handler returns.
type Handler func(ctx context.Context, conn net.Conn)

type Server struct {
	listener net.Listener
	handler  Handler
	wg       sync.WaitGroup
}

func NewServer(listener net.Listener, handler Handler) *Server {
	return &Server{
		listener: listener,
		handler:  handler,
	}
}

func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener fails. Before it returns every handler has
// finished and its connection is closed.
func (srv *Server) Serve(ctx context.Context) error {
	defer srv.wg.Wait()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the listener will cause the Accept loop to unblock.
	stop := context.AfterFunc(cctx, func() {
		log.Infof("stream.Server: initiating shutdown for listener %s", srv.listener.Addr())
		if err := srv.listener.Close(); err != nil {
			log.Warnf("stream.Server: error closing listener %s: %v", srv.listener.Addr(), err)
		}
	})
	defer stop()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-cctx.Done():
				log.Infof("stream.Server: shutting down listener %s due to context cancellation.", srv.listener.Addr())
				return ctx.Err()
			default:
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Warnf("stream.Server: Accept error on %s: %v; retrying in %v", srv.listener.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("stream.Server: critical accept error on %s: %v. Server stopping.", srv.listener.Addr(), err)
			return err
		}

		tempDelay = 0
		log.Debugf("stream.Server: accepted connection from %s on %s", conn.RemoteAddr(), srv.listener.Addr())

		srv.wg.Add(1)
		go srv.serveConn(cctx, conn)
	}
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer srv.wg.Done()
	defer conn.Close()

	// Unblock the handler's reads and writes once the server stops. The connection stays open until the
	// handler has finished its own teardown.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	srv.handler(ctx, conn)
}
