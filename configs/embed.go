// Package configs embeds the configuration template written by
// `memnon config init`.
package configs

import _ "embed"

// ProjectConfigTemplate is the commented .memnon.yaml template. Loaded as
// is, it yields the built-in defaults.
//
//go:embed memnon.example.yaml
var ProjectConfigTemplate string
