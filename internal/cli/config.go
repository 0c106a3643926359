package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/vburojevic/rtckeep/internal/config"
	"github.com/vburojevic/rtckeep/internal/output"
)

// ConfigCmd shows configuration
type ConfigCmd struct {
	Show     ConfigShowCmd     `cmd:"" default:"1" help:"Show the effective configuration"`
	Path     ConfigPathCmd     `cmd:"" help:"Show the config file in use"`
	Generate ConfigGenerateCmd `cmd:"" help:"Print a sample rtckeep.yaml"`
}

// ConfigShowCmd prints the effective configuration.
type ConfigShowCmd struct{}

// ConfigOutput is the NDJSON form of config show.
type ConfigOutput struct {
	Type          string            `json:"type"`
	SchemaVersion int               `json:"schemaVersion"`
	ConfigFile    string            `json:"config_file,omitempty"`
	Settings      map[string]string `json:"settings"`
}

// Run executes the config show command
func (c *ConfigShowCmd) Run(globals *Globals) error {
	settings := flattenConfig(globals.Config)
	if globals.Format == "ndjson" {
		return writeJSON(globals.Stdout, ConfigOutput{
			Type:          "config",
			SchemaVersion: output.SchemaVersion,
			ConfigFile:    globals.ConfigPath,
			Settings:      settings,
		})
	}

	fmt.Fprintln(globals.Stdout, "Current Configuration:")
	if globals.ConfigPath != "" {
		fmt.Fprintf(globals.Stdout, "  file: %s\n", globals.ConfigPath)
	} else {
		fmt.Fprintln(globals.Stdout, "  file: (defaults)")
	}
	table := tablewriter.NewWriter(globals.Stdout)
	table.Header("Setting", "Value")
	keys := lo.Keys(settings)
	sort.Strings(keys)
	for _, k := range keys {
		_ = table.Append(k, settings[k])
	}
	return table.Render()
}

// flattenConfig lists the settings people tune, keyed the way they are
// written in rtckeep.yaml.
func flattenConfig(cfg *config.Config) map[string]string {
	durs := func(ds []time.Duration) string {
		return strings.Join(lo.Map(ds, func(d time.Duration, _ int) string { return d.String() }), ",")
	}
	return map[string]string{
		"format":                       cfg.Format,
		"verbose":                      fmt.Sprint(cfg.Verbose),
		"data_dir":                     cfg.DataDir,
		"runtime_dir":                  cfg.RuntimeDir,
		"backoff.app.policy":           cfg.Backoff.App.Policy,
		"backoff.app.ceiling":          fmt.Sprint(cfg.Backoff.App.Ceiling),
		"backoff.worker.policy":        cfg.Backoff.Worker.Policy,
		"backoff.worker.ceiling":       fmt.Sprint(cfg.Backoff.Worker.Ceiling),
		"network.probe_address":        cfg.Network.ProbeAddress,
		"arbitration.heartbeat":        cfg.Arbitration.Heartbeat.String(),
		"arbitration.staleness":        cfg.Arbitration.Staleness.String(),
		"arbitration.call_staleness":   cfg.Arbitration.CallStaleness.String(),
		"arbitration.debounce":         cfg.Arbitration.Debounce.String(),
		"worker.health_interval":       cfg.Worker.HealthInterval.String(),
		"worker.coarse_interval":       cfg.Worker.CoarseInterval.String(),
		"worker.load_timeout":          cfg.Worker.LoadTimeout.String(),
		"worker.legacy_prefs":          cfg.Worker.LegacyPrefs,
		"handoff.auto_answer_after":    cfg.Handoff.AutoAnswerAfter.String(),
		"handoff.force_foreground":     durs(cfg.Handoff.ForceForeground),
		"handoff.descriptor_staleness": cfg.Handoff.DescriptorStaleness.String(),
		"rtc.path":                     cfg.RTC.Path,
		"bridge.command":               cfg.Bridge.Command,
		"metrics.addr":                 cfg.Metrics.Addr,
	}
}

// ConfigPathCmd shows which config file is in use.
type ConfigPathCmd struct{}

// Run executes the config path command
func (c *ConfigPathCmd) Run(globals *Globals) error {
	if globals.Format == "ndjson" {
		return writeJSON(globals.Stdout, map[string]interface{}{
			"type":          "config_path",
			"schemaVersion": output.SchemaVersion,
			"path":          globals.ConfigPath,
		})
	}
	if globals.ConfigPath == "" {
		fmt.Fprintln(globals.Stdout, "No configuration file found (using defaults)")
		fmt.Fprintln(globals.Stdout, "Searched: ./rtckeep.yaml, ~/.rtckeep/, user config dir, /etc/rtckeep/")
		return nil
	}
	fmt.Fprintf(globals.Stdout, "Config file: %s\n", globals.ConfigPath)
	return nil
}

// ConfigGenerateCmd prints a commented sample configuration.
type ConfigGenerateCmd struct{}

const sampleConfig = `# rtckeep configuration file
# Place at ./rtckeep.yaml, ~/.rtckeep/rtckeep.yaml or /etc/rtckeep/rtckeep.yaml

format: ndjson

# Registration endpoint. The worker falls back to this when the store has none.
# endpoint:
#   transport: wss
#   server: sip.example.com:443
#   username: alice
#   password: secret

backoff:
  app:
    policy: exponential
    ceiling: 10
  worker:
    policy: linear
    ceiling: 10

arbitration:
  heartbeat: 15s
  debounce: 2s

worker:
  health_interval: 20s
  coarse_interval: 60s
  load_timeout: 10s

handoff:
  auto_answer_after: 15s
  force_foreground: [0s, 200ms, 500ms, 1s]

# network:
#   probe_address: sip.example.com:443

# bridge:
#   command: /usr/local/libexec/rtckeep-ui

# metrics:
#   addr: 127.0.0.1:9310
`

// Run executes the config generate command
func (c *ConfigGenerateCmd) Run(globals *Globals) error {
	_, err := io.WriteString(globals.Stdout, sampleConfig)
	return err
}

func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
