// Package rtc is a minimal JSON-over-WebSocket user agent. It registers an
// endpoint, keeps the live-call table and reports protocol events on the
// bus for the reconnection engine and the handoff coordinator.
package rtc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/events"
	"go.uber.org/zap"
)

// ErrNotRegistered is returned by call control while no connection is up.
var ErrNotRegistered = errors.New("rtc: not registered")

// Config tunes the agent.
type Config struct {
	Owner              domain.Owner
	Path               string        // URL path of the registrar, default /rtc
	HandshakeTimeout   time.Duration // WebSocket handshake, default 10s
	AckTimeout         time.Duration // wait for registered/register_failed, default 10s
	InsecureSkipVerify bool
}

// WSAgent implements engine.Registrar over a WebSocket.
type WSAgent struct {
	cfg   Config
	bus   *events.Bus
	clock clock.Clock
	log   *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	calls    map[string]domain.CallChange
	stopLoop context.CancelFunc

	writeMu sync.Mutex
}

// Option configures a WSAgent.
type Option func(*WSAgent)

func WithClock(c clock.Clock) Option { return func(a *WSAgent) { a.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(a *WSAgent) { a.log = l } }

// NewWSAgent creates an agent publishing on bus.
func NewWSAgent(cfg Config, bus *events.Bus, opts ...Option) *WSAgent {
	if cfg.Path == "" {
		cfg.Path = "/rtc"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	a := &WSAgent{
		cfg:   cfg,
		bus:   bus,
		clock: clock.New(),
		log:   zap.NewNop(),
		calls: make(map[string]domain.CallChange),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.Named("rtc").With(zap.String("owner", string(cfg.Owner)))
	return a
}

func (a *WSAgent) url(ep domain.Endpoint) (string, error) {
	var scheme string
	switch ep.Transport {
	case domain.TransportWS:
		scheme = "ws"
	case domain.TransportWSS:
		scheme = "wss"
	default:
		return "", domain.NewConfigError("transport",
			fmt.Errorf("%w: the websocket agent cannot register over %q", domain.ErrMalformedEndpoint, ep.Transport))
	}
	u := url.URL{Scheme: scheme, Host: ep.Server, Path: a.cfg.Path}
	return u.String(), nil
}

// Register dials the server and waits for the registration verdict.
// Rejections with 401, 403 or 404 are configuration errors.
func (a *WSAgent) Register(ctx context.Context, ep domain.Endpoint) error {
	wsURL, err := a.url(ep)
	if err != nil {
		return err
	}
	a.drop("re-register")

	dialer := websocket.Dialer{
		HandshakeTimeout: a.cfg.HandshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: a.cfg.InsecureSkipVerify},
	}
	a.log.Debug("dialing registrar", zap.String("url", wsURL))
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && rejectsCredentials(resp.StatusCode) {
			return domain.NewConfigError("credentials", fmt.Errorf("handshake rejected with %d: %w", resp.StatusCode, err))
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	if err := a.send(conn, registerFrame{
		Type:        frameRegister,
		User:        ep.Username,
		Password:    ep.Password,
		DisplayName: ep.DisplayName,
		Expires:     int(ep.Refresh().Seconds()),
	}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send register: %w", err)
	}

	deadline := time.Now().Add(a.cfg.AckTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	reply, err := readFrame(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("await registration: %w", err)
	}

	switch reply.Type {
	case frameRegistered:
	case frameRegisterFailed:
		_ = conn.Close()
		cause := fmt.Errorf("registration rejected: %d %s", reply.Code, reply.Reason)
		if rejectsCredentials(reply.Code) {
			return domain.NewConfigError("credentials", cause)
		}
		return cause
	default:
		_ = conn.Close()
		return fmt.Errorf("await registration: unexpected %q frame", reply.Type)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.conn = conn
	a.stopLoop = cancel
	a.mu.Unlock()

	a.log.Info("registered", zap.String("aor", ep.AOR()), zap.String("server", ep.Server))
	a.publish(domain.NewTransportEvent(a.clock.Now(), true, ""))
	a.publish(domain.NewRegistrationEvent(a.clock.Now(), domain.RegistrationRegistered, ""))

	go a.readLoop(conn)
	go a.refreshLoop(loopCtx, conn, ep)
	return nil
}

func rejectsCredentials(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusNotFound
}

// Unregister sends unregister and closes the connection. The closing
// connection produces no transport events.
func (a *WSAgent) Unregister(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := a.send(conn, typeOnly{Type: frameUnregister})
	a.drop("unregister")
	if err != nil {
		return fmt.Errorf("send unregister: %w", err)
	}
	return nil
}

// drop forgets the current connection, closes it and fails the calls
// that lived on it.
func (a *WSAgent) drop(reason string) {
	a.mu.Lock()
	conn := a.conn
	stop := a.stopLoop
	a.conn = nil
	a.stopLoop = nil
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn == nil {
		return
	}
	a.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	a.writeMu.Unlock()
	_ = conn.Close()
	a.failCalls()
}

// Close releases the connection without sending unregister.
func (a *WSAgent) Close() {
	a.drop("shutdown")
}

// Connected reports whether a registered connection is up.
func (a *WSAgent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Answer accepts a ringing call.
func (a *WSAgent) Answer(ctx context.Context, callID string, video bool) error {
	conn, err := a.callConn(callID)
	if err != nil {
		return err
	}
	return a.send(conn, answerFrame{Type: frameAnswer, CallID: callID, Video: video})
}

// Hangup ends or rejects a call with code.
func (a *WSAgent) Hangup(ctx context.Context, callID, code string) error {
	conn, err := a.callConn(callID)
	if err != nil {
		return err
	}
	return a.send(conn, hangupFrame{Type: frameHangup, CallID: callID, Code: code})
}

// Lookup returns the live call with callID.
func (a *WSAgent) Lookup(callID string) (domain.CallChange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[callID]
	return c, ok
}

// Calls lists live calls.
func (a *WSAgent) Calls() []domain.CallChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return lo.Values(a.calls)
}

func (a *WSAgent) callConn(callID string) (*websocket.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.calls[callID]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
	}
	if a.conn == nil {
		return nil, ErrNotRegistered
	}
	return a.conn, nil
}

func (a *WSAgent) send(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

func readFrame(conn *websocket.Conn) (serverFrame, error) {
	var f serverFrame
	mt, msg, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	if mt != websocket.TextMessage {
		return f, fmt.Errorf("unexpected message type %d", mt)
	}
	if err := json.Unmarshal(msg, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// current reports whether conn is still the agent's live connection.
func (a *WSAgent) current(conn *websocket.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn == conn
}

func (a *WSAgent) readLoop(conn *websocket.Conn) {
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if !a.current(conn) {
				return
			}
			a.mu.Lock()
			a.conn = nil
			if a.stopLoop != nil {
				a.stopLoop()
				a.stopLoop = nil
			}
			a.mu.Unlock()
			_ = conn.Close()

			a.log.Warn("connection lost", zap.Error(err))
			a.failCalls()
			a.publish(domain.NewTransportEvent(a.clock.Now(), false, err.Error()))
			return
		}
		if mt != websocket.TextMessage {
			a.log.Debug("ignoring non-text message", zap.Int("message_type", mt))
			continue
		}
		var f serverFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			a.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		a.handle(f)
	}
}

func (a *WSAgent) handle(f serverFrame) {
	now := a.clock.Now()
	switch f.Type {
	case frameRegistered:
		a.publish(domain.NewRegistrationEvent(now, domain.RegistrationRegistered, ""))
	case frameRegisterFailed:
		a.publish(domain.NewRegistrationEvent(now, domain.RegistrationFailed, fmt.Sprintf("%d %s", f.Code, f.Reason)))
	case frameUnregistered:
		a.publish(domain.NewRegistrationEvent(now, domain.RegistrationUnregistered, f.Reason))
	case frameCall:
		if f.CallID == "" {
			a.log.Warn("call frame without call_id")
			return
		}
		c := domain.CallChange{
			CallID:    f.CallID,
			Remote:    f.Caller,
			Direction: domain.CallDirection(f.Direction),
			State:     domain.CallState(f.State),
		}
		a.mu.Lock()
		if prev, ok := a.calls[c.CallID]; ok && c.Remote == "" {
			c.Remote = prev.Remote
		}
		if c.State.Terminal() {
			delete(a.calls, c.CallID)
		} else {
			a.calls[c.CallID] = c
		}
		a.mu.Unlock()
		a.publish(domain.NewCallEvent(now, c))
	default:
		a.log.Debug("ignoring frame", zap.String("type", f.Type))
	}
}

// failCalls ends every live call after the connection went away.
func (a *WSAgent) failCalls() {
	a.mu.Lock()
	lost := lo.Values(a.calls)
	a.calls = make(map[string]domain.CallChange)
	a.mu.Unlock()

	for _, c := range lost {
		c.State = domain.CallFailed
		a.publish(domain.NewCallEvent(a.clock.Now(), c))
	}
}

// refreshLoop re-sends register before the registration expires.
func (a *WSAgent) refreshLoop(ctx context.Context, conn *websocket.Conn, ep domain.Endpoint) {
	interval := ep.Refresh() * 9 / 10
	ticker := a.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.current(conn) {
				return
			}
			err := a.send(conn, registerFrame{
				Type:        frameRegister,
				User:        ep.Username,
				Password:    ep.Password,
				DisplayName: ep.DisplayName,
				Expires:     int(ep.Refresh().Seconds()),
			})
			if err != nil {
				a.log.Warn("registration refresh failed", zap.Error(err))
			}
		}
	}
}

func (a *WSAgent) publish(ev domain.Event) {
	if a.bus == nil {
		return
	}
	ev.Source = a.cfg.Owner
	a.bus.Publish(ev)
}
