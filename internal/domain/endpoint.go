package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Transport names the wire transport an endpoint registers over.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
	TransportWS  Transport = "ws"
	TransportWSS Transport = "wss"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	switch t {
	case TransportUDP, TransportTCP, TransportTLS, TransportWS, TransportWSS:
		return true
	}
	return false
}

// DefaultRegisterRefresh is used when an endpoint omits its refresh interval.
const DefaultRegisterRefresh = 600 * time.Second

// Endpoint identifies what to register to. It is immutable for the
// lifetime of a registration session.
type Endpoint struct {
	Transport       Transport     `json:"transport" mapstructure:"transport" plist:"transport"`
	Server          string        `json:"server" mapstructure:"server" plist:"server"` // host:port
	Username        string        `json:"username" mapstructure:"username" plist:"username"`
	Password        string        `json:"password" mapstructure:"password" plist:"password"`
	DisplayName     string        `json:"display_name,omitempty" mapstructure:"display_name" plist:"display_name"`
	RegisterRefresh time.Duration `json:"register_refresh,omitempty" mapstructure:"register_refresh" plist:"-"`
}

// Validate returns a ConfigError describing the first problem found.
func (e Endpoint) Validate() error {
	if !e.Transport.Valid() {
		return NewConfigError("transport", fmt.Errorf("%w: unknown transport %q", ErrMalformedEndpoint, e.Transport))
	}
	host, port, err := net.SplitHostPort(strings.TrimSpace(e.Server))
	if err != nil || host == "" {
		return NewConfigError("server", fmt.Errorf("%w: server %q must be host:port", ErrMalformedEndpoint, e.Server))
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return NewConfigError("server", fmt.Errorf("%w: invalid port %q", ErrMalformedEndpoint, port))
	}
	if strings.TrimSpace(e.Username) == "" {
		return NewConfigError("username", ErrMissingIdentity)
	}
	if e.Password == "" {
		return NewConfigError("password", ErrMissingCredential)
	}
	if e.RegisterRefresh < 0 {
		return NewConfigError("register_refresh", fmt.Errorf("%w: negative refresh interval", ErrMalformedEndpoint))
	}
	return nil
}

// IsZero reports whether nothing was configured at all.
func (e Endpoint) IsZero() bool {
	return e.Transport == "" && e.Server == "" && e.Username == "" && e.Password == ""
}

// Refresh returns the registration refresh interval, applying the default.
func (e Endpoint) Refresh() time.Duration {
	if e.RegisterRefresh <= 0 {
		return DefaultRegisterRefresh
	}
	return e.RegisterRefresh
}

// AOR is the account identity in user@host form.
func (e Endpoint) AOR() string {
	host, _, err := net.SplitHostPort(e.Server)
	if err != nil {
		host = e.Server
	}
	return e.Username + "@" + host
}

// Redacted returns a copy safe to log or print.
func (e Endpoint) Redacted() Endpoint {
	if e.Password != "" {
		e.Password = "********"
	}
	return e
}
