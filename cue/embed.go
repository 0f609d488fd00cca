// Package cue provides the embedded standard modules and configuration schema.
package cue

import "embed"

// StdFS contains the standard modules served under /std.
//
//go:embed std/*.cue std/*.hcl
var StdFS embed.FS

// StdDir is the root directory within StdFS.
const StdDir = "std"

// ConfigSchema is the CUE schema every hotload configuration file is
// unified with.
//
//go:embed schema/config.cue
var ConfigSchema string
