// Package httpapi exposes poll management and results over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "pollcron/internal/runtime/supervisor"
	logx "pollcron/pkg/logx"
)

// Config controls the HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	// Pprof mounts runtime profiles under /debug/pprof/.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const defaultAddr = "127.0.0.1:8080"

var ErrInsecureBind = errors.New("api refused to start: non-loopback addr requires token or allow_insecure")

type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	handler http.Handler

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func NewServer(cfg Config, api *API, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Pprof {
		api.EnableProfiler()
	}
	return &Server{cfg: cfg, log: log, handler: api.Router(cfg.Token)}
}

// Addr reports the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Supervisor returns the server's internal supervisor (nil if not started).
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start binds synchronously so a bad address fails startup, then serves in
// the background. Start is idempotent.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	cur := s.cfg
	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("api refused to start", logx.String("addr", addr))
		return ErrInsecureBind
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("api running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.ln, s.srv = ln, srv
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go("http.serve", func(context.Context) error {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.log.Error("api server failed", logx.Err(err))
		return err
	})
	s.log.Info("api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))
	return nil
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	if werr := sup.Wait(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
		err = errors.Join(err, werr)
	}
	s.log.Info("api stopped")
	return err
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
