package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/devserver/config"
)

// MaxPortAttempts bounds how far past the configured port Listen searches
// when the port is already taken.
const MaxPortAttempts = 10

// Server wraps http.Server with port fallback and graceful shutdown.
type Server struct {
	server     *http.Server
	listener   net.Listener
	host       string
	port       int
	strictPort bool
	logger     *slog.Logger
}

// New creates a new HTTP server bound to host and port once Listen or Start
// is called. Host and port are validated before creating the server.
func New(host string, port int, strictPort bool, handler http.Handler, logger *slog.Logger) (*Server, error) {
	err := validation.Errors{
		"host": validation.Validate(host, validation.By(config.ValidateHost)),
		"port": validation.Validate(port, validation.Min(0), validation.Max(65535)),
	}.Filter()
	if err != nil {
		return nil, err
	}

	srv := &Server{
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		host:       host,
		port:       port,
		strictPort: strictPort,
		logger:     logger,
	}

	return srv, nil
}

// Listen binds the socket. When the port is in use and strict port is off
// the following ports are tried in turn.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}

	attempts := MaxPortAttempts
	if s.strictPort || s.port == 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts && s.port+i <= 65535; i++ {
		port := s.port + i
		ln, err := net.Listen("tcp", net.JoinHostPort(s.bindHost(), strconv.Itoa(port)))
		if err == nil {
			s.listener = ln
			s.port = ln.Addr().(*net.TCPAddr).Port
			return nil
		}

		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			break
		}

		if !s.strictPort {
			s.logger.Info("Port is in use, trying another one", slog.Int("port", port))
		}
	}

	if s.strictPort && errors.Is(lastErr, syscall.EADDRINUSE) {
		return fmt.Errorf("port %d is already in use", s.port)
	}
	return fmt.Errorf("listen on %s: %w", s.host, lastErr)
}

// Port is the bound port, or the requested one before Listen.
func (s *Server) Port() int {
	return s.port
}

// Addr is the bound address, empty before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start begins serving HTTP requests, binding first if needed.
// Returns an error unless the server is shut down cleanly.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	err := s.server.Serve(s.listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the server with a 5-second timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return err
}

// URLs lists the addresses a browser can open. Network addresses are only
// reported when the server listens on every interface.
func (s *Server) URLs() (local []string, network []string) {
	port := strconv.Itoa(s.port)

	if !s.exposed() {
		host := s.host
		if host == "" {
			host = "localhost"
		}
		return []string{"http://" + net.JoinHostPort(host, port) + "/"}, nil
	}

	local = []string{"http://" + net.JoinHostPort("localhost", port) + "/"}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		s.logger.Debug("Failed to list interface addresses", slog.Any("err", err))
		return local, nil
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		network = append(network, "http://"+net.JoinHostPort(ipNet.IP.String(), port)+"/")
	}

	return local, network
}

func (s *Server) exposed() bool {
	return s.host == "0.0.0.0" || s.host == "::"
}

func (s *Server) bindHost() string {
	if s.exposed() {
		return ""
	}
	return s.host
}
