// Package rpc provides a lightweight JSON-over-TCP RPC framework.
//
// Protocol: newline-delimited JSON over a persistent TCP connection. Each
// request names a "Service.Method", carries an id echoed in the response,
// and optionally a request id that is attached to the handler's context
// for logging. Errors travel as a kind plus message so clients can match
// them with errors.Is against pkg/errors sentinels.
//
// Example server:
//
//	s := rpc.NewServer()
//	s.Register("Index.List", func(ctx context.Context, params json.RawMessage) (any, error) {
//	    return []string{"docs"}, nil
//	})
//	go s.Serve(ln)
//
// Example client:
//
//	c, _ := rpc.Dial(ctx, "localhost:9090")
//	var names []string
//	err := c.Call(ctx, "Index.List", nil, &names)
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/searchserver/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/logger"
)

// maxMessageSize bounds a single request line.
const maxMessageSize = 16 << 20

// HandlerFunc processes one request's params.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Request is the wire format for an RPC request.
type Request struct {
	Method    string          `json:"method"`
	ID        string          `json:"id"`
	RequestID string          `json:"request_id,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response is the wire format for an RPC response.
type Response struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error is a remote failure. It unwraps to the pkg/errors sentinel named
// by Kind.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Index   string `json:"index,omitempty"`
	Field   string `json:"field,omitempty"`
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return apperrors.FromKind(e.Kind) }

func toWireError(err error) *Error {
	we := &Error{Kind: apperrors.Kind(err), Message: err.Error()}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		we.Index, we.Field = appErr.Index, appErr.Field
	}
	return we
}

// Server dispatches requests to registered handlers. Requests on one
// connection are handled in order; connections are served concurrently.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	conns    map[net.Conn]struct{}
	listener net.Listener
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewServer() *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   slog.Default().With("component", "rpc-server"),
	}
}

// Register adds a handler for the given method name.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
	s.logger.Debug("method registered", "method", method)
}

// Methods returns the number of registered methods.
func (s *Server) Methods() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// ListenAndServe listens on addr and serves until Stop is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop is called. It returns nil
// after a clean stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("rpc server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), maxMessageSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		resp := Response{}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp.Error = toWireError(apperrors.InvalidInput("malformed request: %v", err))
		} else {
			resp = s.handle(req)
		}
		if err := encoder.Encode(resp); err != nil {
			s.logger.Debug("write error", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) handle(req Request) Response {
	resp := Response{ID: req.ID}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		resp.Error = toWireError(apperrors.InvalidInput("unknown method %q", req.Method))
		return resp
	}

	ctx := s.ctx
	if req.RequestID != "" {
		ctx = logger.WithRequestID(ctx, req.RequestID)
	}
	data, err := handler(ctx, req.Params)
	if err != nil {
		logger.FromContext(ctx).Debug("rpc call failed", "method", req.Method, "error", err)
		resp.Error = toWireError(err)
		return resp
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			resp.Error = toWireError(fmt.Errorf("encoding result: %w", err))
			return resp
		}
		resp.Data = raw
	}
	return resp
}

// Stop closes the listener and every open connection, cancels in-flight
// handlers' contexts and waits for connection goroutines to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("rpc server stopped")
}
