package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gwaggli/gwaggli/internal/health"
	"github.com/gwaggli/gwaggli/internal/observe"
)

// shutdownTimeout bounds how long in-flight requests may take once the
// session ends.
const shutdownTimeout = 5 * time.Second

// server is the session's HTTP surface: probes, metrics, the transcript
// websocket feed and session status.
type server struct {
	srv *http.Server
	ln  net.Listener
	tls *tlsFiles
}

type tlsFiles struct{ cert, key string }

// newServer binds the listen address right away so that a port conflict
// fails New rather than Run.
func newServer(a *App) (*server, error) {
	mux := http.NewServeMux()
	health.New(
		health.TranscriberCheck(a.transcriber),
		health.CaptureCheck(a),
	).Register(mux)
	mux.Handle("GET /metrics", observe.Handler(a.promReg))
	mux.Handle("GET /ws/transcripts", a.hub)
	mux.HandleFunc("GET /api/session", a.handleSession)

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", a.cfg.Server.ListenAddr, err)
	}

	s := &server{
		srv: &http.Server{
			Handler:           observe.Middleware(a.metrics)(mux),
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln: ln,
	}
	if t := a.cfg.Server.TLS; t != nil {
		s.tls = &tlsFiles{cert: t.CertFile, key: t.KeyFile}
	}
	return s, nil
}

func (s *server) addr() string { return s.ln.Addr().String() }

// serve handles requests until ctx is done, then shuts down gracefully.
func (s *server) serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.tls != nil {
			errCh <- s.srv.ServeTLS(s.ln, s.tls.cert, s.tls.key)
			return
		}
		errCh <- s.srv.Serve(s.ln)
	}()
	slog.Info("http server listening", "addr", s.addr(), "tls", s.tls != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	<-errCh
	return nil
}

// close releases the listener if serve never ran.
func (s *server) close() error {
	err := s.srv.Close()
	if lerr := s.ln.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) && err == nil {
		err = lerr
	}
	return err
}
