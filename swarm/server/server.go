// Package server runs an HTTP handler on a listener until its context is cancelled.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	listener net.Listener
	http     *http.Server
}

func NewServer(listener net.Listener, handler http.Handler, timeout time.Duration) *Server {
	return &Server{
		listener: listener,
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: timeout,
		},
	}
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the HTTP server until ctx is cancelled. It returns only after in-flight requests have drained or the
// shutdown timeout has expired.
func (s *Server) Serve(ctx context.Context) error {
	drained := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(drained)

		log.Infof("server: context cancelled, shutting down HTTP listener %s", s.listener.Addr())
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(sctx); err != nil {
			log.Warnf("server: shutdown of %s: %v, closing remaining connections", s.listener.Addr(), err)
			s.http.Close()
		}
	})
	defer stop()

	log.Infof("server: serving HTTP on %s", s.listener.Addr())

	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		// Serve returns as soon as Shutdown starts
		if !stop() {
			<-drained
		}
		return ctx.Err()
	}
	return err
}
