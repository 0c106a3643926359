package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler answers one message. A nil reply with a nil error is sent as ack.
type Handler func(ctx context.Context, m Message) (*Message, error)

// Server accepts connections on a Unix socket.
type Server struct {
	path    string
	handler Handler
	log     *zap.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func NewServer(path string, handler Handler, log *zap.Logger) *Server {
	return &Server{path: path, handler: handler, log: log.Named("ipc").With(zap.String("socket", path))}
}

// Listen binds the socket, replacing a stale file left by a dead process.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		if conn, derr := net.DialTimeout("unix", s.path, 200*time.Millisecond); derr == nil {
			_ = conn.Close()
			return fmt.Errorf("ipc: %s is already served by another process", s.path)
		}
		_ = os.Remove(s.path)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	_ = os.Chmod(s.path, 0o600)

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening")
	return nil
}

// Serve accepts until ctx is done or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("ipc: Serve before Listen")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				_ = os.Remove(s.path)
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var m Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			s.log.Warn("dropping malformed message", zap.Error(err))
			bad := NewMessage(TypeError)
			bad.Error = "malformed message"
			_ = writeMessage(conn, bad)
			continue
		}
		s.log.Debug("message received", zap.String("id", m.ID), zap.String("type", string(m.Type)))

		reply, err := s.handler(ctx, m)
		switch {
		case err != nil:
			s.log.Warn("handler failed", zap.String("type", string(m.Type)), zap.Error(err))
			r := m.ErrorReply(err)
			reply = &r
		case reply == nil:
			r := m.Reply(TypeAck)
			reply = &r
		}
		if err := writeMessage(conn, *reply); err != nil {
			s.log.Debug("reply not delivered", zap.Error(err))
			return
		}
	}
}

func writeMessage(conn net.Conn, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}
