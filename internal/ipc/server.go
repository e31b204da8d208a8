package ipc

import (
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/flowline-dev/flowline/internal/logging"
)

// HandlerFunc services one decoded request. Handlers run on the connection
// goroutine and must not block past the connection deadline.
type HandlerFunc func(req *Request) *Response

// Server owns the daemon's control socket. Each connection carries exactly
// one request/response exchange; the CLI reconnects per command.
type Server struct {
	socketPath string

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	deadline time.Duration
	closing  chan struct{}
	conns    sync.WaitGroup

	logger   *log.Logger
	logLevel logging.Level
}

func NewServer(socketPath string, logger *log.Logger, level logging.Level) *Server {
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		deadline:   30 * time.Second,
		closing:    make(chan struct{}),
		logger:     logger,
		logLevel:   level,
	}
}

// SetConnDeadline overrides the per-connection read/write deadline.
func (s *Server) SetConnDeadline(d time.Duration) {
	s.deadline = d
}

// Handle registers the handler for a command. Registering after Start is
// allowed; dispatch takes the read lock.
func (s *Server) Handle(command string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = fn
}

// Start binds the socket and begins accepting. A leftover socket file from a
// crashed daemon is removed first; the live-daemon case is excluded by the
// daemon lock, which is taken before Start.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	// The socket is a local control plane; owner-only access.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = ln
	s.conns.Add(1)
	go s.serve()

	s.log(logging.LevelInfo, "listening socket=%s", s.socketPath)
	return nil
}

// Stop closes the listener, waits for in-flight connections, and removes the
// socket file.
func (s *Server) Stop() error {
	close(s.closing)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.conns.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) serve() {
	defer s.conns.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			s.log(logging.LevelWarn, "accept_failed error=%v", err)
			continue
		}

		s.conns.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.conns.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.log(logging.LevelError, "handler_panic recovered=%v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.deadline))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log(logging.LevelWarn, "read_request_failed error=%v", err)
		return
	}

	resp := s.dispatch(&req)
	s.log(logging.LevelDebug, "handled command=%s success=%t", req.Command, resp.Success)

	if err := WriteFrame(conn, resp); err != nil {
		s.log(logging.LevelWarn, "write_response_failed command=%s error=%v", req.Command, err)
	}
}

func (s *Server) dispatch(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	fn, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	return fn(req)
}

func (s *Server) log(level logging.Level, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s ipc: %s", time.Now().Format(time.RFC3339), level, msg)
}
