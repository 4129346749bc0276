// Package server 负责各进程的 HTTP 监听, 业务 handler 之外统一挂载 /metrics 与 /healthz
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// Check 返回非 nil 时 /healthz 报告 503
type Check func() error

type Server struct {
	name string
	addr string
	mux  *http.ServeMux
	srv  *http.Server

	mu     sync.Mutex
	checks map[string]Check
}

func NewServer(name string, host string, port int) *Server {
	s := &Server{
		name:   name,
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		mux:    http.NewServeMux(),
		checks: make(map[string]Check),
	}
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/healthz", s.healthz)
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

func (s *Server) AddCheck(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Handler 用于测试, 不经过监听
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	result := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(); err != nil {
			healthy = false
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}
	s.mu.Unlock()

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

// Run 监听直到 ctx 取消, 然后在超时内优雅关闭
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	logger.InfoF("%s Server Listen On %s", s.name, ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorF("%s Server close error: %v", s.name, err)
		return err
	}
	logger.InfoF("%s Server stopped", s.name)
	return <-errCh
}
