package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// DefaultShutdownTimeout bounds graceful shutdown when Run's context ends.
const DefaultShutdownTimeout = 10 * time.Second

// Run listens on the configured address and serves until ctx is cancelled,
// then drains in-flight requests for at most the shutdown timeout. ready,
// when non-nil, receives the bound address once the listener is open.
func (s *Server) Run(ctx context.Context, ready chan<- net.Addr) error {
	if s.httpServer == nil {
		return errors.New("http server is not configured")
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		if s.tlsCertFile != "" {
			serveErr <- s.httpServer.ServeTLS(ln, s.tlsCertFile, s.tlsKeyFile)
			return
		}
		serveErr <- s.httpServer.Serve(ln)
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String(), "tls", s.tlsCertFile != "")
	if ready != nil {
		ready <- ln.Addr()
	}

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}
	return shutdownErr
}
