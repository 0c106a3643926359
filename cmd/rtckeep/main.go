package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/vburojevic/rtckeep/internal/cli"
	"github.com/vburojevic/rtckeep/internal/config"
)

const quickStart = `rtckeep - keeps a SIP/RTC registration alive across a foreground app and a background worker

Quick start:
  rtckeep endpoint set --transport wss --server sip.example.com:443 --username alice
  rtckeep worker                        Run the background worker
  rtckeep app                           Run the foreground process
  rtckeep status                        Show both processes

For help:
  rtckeep --help                        All commands and flags
  rtckeep schema                        JSON Schema of the NDJSON output
`

func main() {
	// Show quick start if no args provided
	if len(os.Args) == 1 {
		fmt.Print(quickStart)
		return
	}

	// --config has to be known before kong runs so its values can seed defaults
	var (
		cfg *config.Config
		err error
	)
	if path := configFlag(os.Args[1:]); path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.Default()
	}

	var c cli.CLI

	vars := kong.Vars{
		"config_format": cfg.Format,
	}

	ctx := kong.Parse(&c,
		kong.Name("rtckeep"),
		kong.Description("rtckeep: connection resilience and call handoff between a foreground app and its background worker"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		vars,
	)

	// Create globals with config fallbacks
	globals := cli.NewGlobalsWithConfig(&c, cfg)
	err = ctx.Run(globals)
	if err != nil {
		os.Exit(1)
	}
}

func configFlag(args []string) string {
	for i, a := range args {
		switch {
		case a == "--":
			return ""
		case a == "--config" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}
