package cli

import (
	"fmt"
	"runtime"

	"github.com/vburojevic/rtckeep/internal/output"
)

// VersionCmd shows the build version and how to upgrade
type VersionCmd struct{}

// VersionOutput represents the NDJSON output for version
type VersionOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	GoVersion     string `json:"go_version"`
	GoInstall     string `json:"go_install"`
}

const goInstallCmd = "go install github.com/vburojevic/rtckeep/cmd/rtckeep@latest"

// Run executes the version command
func (c *VersionCmd) Run(globals *Globals) error {
	if globals.Format == "ndjson" {
		return writeJSON(globals.Stdout, VersionOutput{
			Type:          "version",
			SchemaVersion: output.SchemaVersion,
			Version:       Version,
			Commit:        Commit,
			GoVersion:     runtime.Version(),
			GoInstall:     goInstallCmd,
		})
	}
	fmt.Fprintf(globals.Stdout, "rtckeep %s (%s, %s)\n", Version, Commit, runtime.Version())
	fmt.Fprintln(globals.Stdout)
	fmt.Fprintln(globals.Stdout, "To upgrade via Go:")
	fmt.Fprintf(globals.Stdout, "  %s\n", goInstallCmd)
	return nil
}
