package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/vburojevic/rtckeep/internal/domain"
)

var (
	// ErrUnavailable means nobody is listening on the socket.
	ErrUnavailable = errors.New("ipc: peer not listening")
	// ErrRemote wraps an error reply.
	ErrRemote = errors.New("ipc: peer returned an error")
)

// Client sends requests to one socket.
type Client struct {
	path    string
	timeout time.Duration
}

func NewClient(path string) *Client {
	return &Client{path: path, timeout: 3 * time.Second}
}

// Request sends m and waits for the reply.
func (c *Client) Request(ctx context.Context, m Message) (Message, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if err := writeMessage(conn, m); err != nil {
		return Message{}, err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Message{}, fmt.Errorf("read reply: %w", err)
		}
		return Message{}, errors.New("ipc: no reply received")
	}
	var reply Message
	if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
		return Message{}, fmt.Errorf("unmarshal reply: %w", err)
	}
	if reply.Type == TypeError {
		return reply, fmt.Errorf("%w: %s", ErrRemote, reply.Error)
	}
	return reply, nil
}

// Ping returns the peer's status payload.
func (c *Client) Ping(ctx context.Context) (json.RawMessage, error) {
	reply, err := c.Request(ctx, NewMessage(TypePing))
	if err != nil {
		return nil, err
	}
	if reply.Type != TypePong {
		return nil, fmt.Errorf("ipc: unexpected reply %q to ping", reply.Type)
	}
	return reply.Status, nil
}

func (c *Client) Stop(ctx context.Context) error {
	_, err := c.Request(ctx, NewMessage(TypeStop))
	return err
}

func (c *Client) ForceReconnect(ctx context.Context) error {
	_, err := c.Request(ctx, NewMessage(TypeForceReconnect))
	return err
}

func (c *Client) UpdateEndpoint(ctx context.Context, ep domain.Endpoint) error {
	m := NewMessage(TypeUpdateEndpoint)
	m.Endpoint = &ep
	_, err := c.Request(ctx, m)
	return err
}

func (c *Client) NotificationAction(ctx context.Context, action, callID string) error {
	m := NewMessage(TypeNotificationAction)
	m.Action = &ActionPayload{Action: action, CallID: callID}
	_, err := c.Request(ctx, m)
	return err
}

// CallForwarded tells the foreground about a call held by the worker.
func (c *Client) CallForwarded(ctx context.Context, d domain.ForwardedCallDescriptor) error {
	_, err := c.Request(ctx, CallForwarded(d))
	return err
}

// ForceOpenApp asks a running foreground to raise itself for callID.
func (c *Client) ForceOpenApp(ctx context.Context, caller, callID string) error {
	m := NewMessage(TypeForceOpenApp)
	m.Call = &CallPayload{CallID: callID, Caller: caller}
	_, err := c.Request(ctx, m)
	return err
}
