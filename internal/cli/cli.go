// Package cli defines the rtckeep command tree.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/vburojevic/rtckeep/internal/config"
	"github.com/vburojevic/rtckeep/internal/output"
)

// Set by the linker.
var (
	Version = "dev"
	Commit  = "none"
)

// CLI is the root command.
type CLI struct {
	Format     string `short:"f" enum:"ndjson,text" default:"${config_format}" help:"Output format (ndjson, text)"`
	Verbose    bool   `short:"v" help:"Debug logging on stderr"`
	Quiet      bool   `short:"q" help:"Suppress informational output (ndjson only)"`
	ConfigFile string `name:"config" type:"path" help:"Config file (default: search rtckeep.yaml)"`

	Worker         WorkerCmd         `cmd:"" help:"Run the background worker"`
	App            AppCmd            `cmd:"" help:"Run the foreground process"`
	Status         StatusCmd         `cmd:"" help:"Show both processes' connection status"`
	Monitor        MonitorCmd        `cmd:"" help:"Live status view"`
	Answer         AnswerCmd         `cmd:"" help:"Answer a forwarded call"`
	Decline        DeclineCmd        `cmd:"" help:"Decline a forwarded call"`
	ForceReconnect ForceReconnectCmd `cmd:"" name:"force-reconnect" help:"Reset retries and reconnect now"`
	Stop           StopCmd           `cmd:"" help:"Stop maintaining the registration"`
	Endpoint       EndpointCmd       `cmd:"" help:"Manage the registration endpoint"`
	Config         ConfigCmd         `cmd:"" help:"Show configuration"`
	Schema         SchemaCmd         `cmd:"" help:"JSON Schema of the NDJSON output"`
	Version        VersionCmd        `cmd:"" help:"Show version"`
}

// Globals is passed to every command's Run.
type Globals struct {
	Format  string
	Verbose bool
	Quiet   bool
	Stdout  io.Writer
	Stderr  io.Writer
	Config  *config.Config
	// ConfigPath is the file Config came from, empty when none was found.
	ConfigPath string
}

// NewGlobalsWithConfig resolves flags against the loaded configuration.
func NewGlobalsWithConfig(c *CLI, cfg *config.Config) *Globals {
	format := c.Format
	if format == "" {
		format = cfg.Format
	}
	path := c.ConfigFile
	if path == "" {
		path = config.ConfigFile()
	}
	return &Globals{
		Format:     format,
		Verbose:    c.Verbose || cfg.Verbose,
		Quiet:      c.Quiet,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: path,
	}
}

// Debug prints to stderr when verbose.
func (g *Globals) Debug(format string, args ...interface{}) {
	if g.Verbose {
		fmt.Fprintf(g.Stderr, "[debug] "+format+"\n", args...)
	}
}

// Writer returns the output writer for the selected format.
func (g *Globals) Writer() output.Writer {
	if g.Format == "ndjson" {
		return output.NewNDJSONWriter(g.Stdout)
	}
	return output.NewTextWriter(g.Stdout, isTerminal(g.Stdout))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
