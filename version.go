package handoff

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionFile string

// Version is the current version of the handoff service library.
var Version = strings.TrimSpace(versionFile)
