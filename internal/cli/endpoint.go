package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vburojevic/rtckeep/internal/domain"
	"github.com/vburojevic/rtckeep/internal/ipc"
	"github.com/vburojevic/rtckeep/internal/output"
	"github.com/vburojevic/rtckeep/internal/state"
	"github.com/vburojevic/rtckeep/internal/store"
)

// EndpointCmd manages the shared registration endpoint.
type EndpointCmd struct {
	Set  EndpointSetCmd  `cmd:"" help:"Store an endpoint and push it to running processes"`
	Show EndpointShowCmd `cmd:"" default:"1" help:"Show the stored endpoint"`
}

// EndpointSetCmd writes the endpoint to the coordination store.
type EndpointSetCmd struct {
	Transport   string        `required:"" enum:"udp,tcp,tls,ws,wss" help:"Transport (udp, tcp, tls, ws, wss)"`
	Server      string        `required:"" help:"Registrar host:port"`
	Username    string        `required:"" help:"Account user"`
	Password    string        `env:"RTCKEEP_PASSWORD" help:"Account password (or RTCKEEP_PASSWORD)"`
	DisplayName string        `help:"Caller display name"`
	Refresh     time.Duration `help:"Registration refresh interval (default 600s)"`
}

func (c *EndpointSetCmd) endpoint() domain.Endpoint {
	return domain.Endpoint{
		Transport:       domain.Transport(c.Transport),
		Server:          c.Server,
		Username:        c.Username,
		Password:        c.Password,
		DisplayName:     c.DisplayName,
		RegisterRefresh: c.Refresh,
	}
}

// Run executes the endpoint set command
func (c *EndpointSetCmd) Run(globals *Globals) error {
	ep := c.endpoint()
	if err := ep.Validate(); err != nil {
		return outputErrorCommon(globals, "INVALID_ENDPOINT", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	cfg := globals.Config
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return outputError(globals, fmt.Errorf("create data dir: %w", err))
	}
	st, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return outputError(globals, err)
	}
	defer st.Close()
	if err := state.NewRepository(st).SaveEndpoint(ctx, ep); err != nil {
		return outputError(globals, err)
	}

	// running processes pick the change up on their next coarse pass anyway
	for _, target := range []string{"worker", "app"} {
		err := newControlClient(globals.Config, target).UpdateEndpoint(ctx, ep)
		switch {
		case err == nil:
			globals.Debug("pushed endpoint to %s", target)
		case errors.Is(err, ipc.ErrUnavailable):
			globals.Debug("%s not running", target)
		default:
			return outputError(globals, err)
		}
	}
	return writeEndpoint(globals, ep)
}

// EndpointShowCmd prints the stored endpoint with the password masked.
type EndpointShowCmd struct{}

// Run executes the endpoint show command
func (c *EndpointShowCmd) Run(globals *Globals) error {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	st, repo, err := openRepository(ctx, globals.Config)
	if err != nil {
		return outputError(globals, err)
	}
	defer st.Close()
	ep, err := repo.LoadEndpoint(ctx)
	if err != nil {
		return outputError(globals, err)
	}
	return writeEndpoint(globals, ep)
}

// EndpointOutput is the NDJSON form of an endpoint.
type EndpointOutput struct {
	Type          string          `json:"type"`
	SchemaVersion int             `json:"schemaVersion"`
	Account       string          `json:"account"`
	Endpoint      domain.Endpoint `json:"endpoint"`
}

func writeEndpoint(globals *Globals, ep domain.Endpoint) error {
	ep = ep.Redacted()
	if globals.Format == "ndjson" {
		return writeJSON(globals.Stdout, EndpointOutput{
			Type:          "endpoint",
			SchemaVersion: output.SchemaVersion,
			Account:       ep.AOR(),
			Endpoint:      ep,
		})
	}
	w := globals.Stdout
	fmt.Fprintf(w, "Account:    %s\n", ep.AOR())
	fmt.Fprintf(w, "Transport:  %s\n", ep.Transport)
	fmt.Fprintf(w, "Server:     %s\n", ep.Server)
	fmt.Fprintf(w, "Username:   %s\n", ep.Username)
	fmt.Fprintf(w, "Password:   %s\n", ep.Password)
	if ep.DisplayName != "" {
		fmt.Fprintf(w, "Display:    %s\n", ep.DisplayName)
	}
	fmt.Fprintf(w, "Refresh:    %s\n", ep.Refresh())
	return nil
}
