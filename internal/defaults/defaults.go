// Package defaults embeds the example configuration written by
// mnemon init.
package defaults

import _ "embed"

// ConfigYAML is a commented starting configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte
