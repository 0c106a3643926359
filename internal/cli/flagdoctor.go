package cli

// validateFlags centralizes common flag combinations to keep behavior consistent.
func validateFlags(globals *Globals, where []string, outputDir string) error {
	// quiet + text is confusing for scripts; steer to ndjson
	if globals != nil && globals.Format == "text" && globals.Quiet {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--quiet is only supported with ndjson output", "switch to --format ndjson or drop --quiet")
	}
	// per-session files are NDJSON; a text stream would not be replayable
	if outputDir != "" && globals != nil && globals.Format != "ndjson" {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--output requires ndjson output", "add --format ndjson or remove --output")
	}
	for _, w := range where {
		if w == "" {
			return outputErrorCommon(globals, "INVALID_FLAGS", "--where needs a clause", "e.g. --where type=handoff")
		}
	}
	return nil
}
