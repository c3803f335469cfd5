// Package patterns provides embedded default recognizer definitions.
// YAML files in this directory use a Presidio-compatible recognizer format
// with Warden extensions (severity, sensitivity, validation flags). Every
// regex uses bounded repetition; the recognizer loader rejects unbounded
// quantifiers at compile time.
package patterns

import _ "embed"

//go:embed threat.yaml
var threatYAML []byte

//go:embed pii.yaml
var piiYAML []byte

// ThreatYAML returns the embedded default injection recognizer definitions.
func ThreatYAML() []byte { return threatYAML }

// PIIYAML returns the embedded default PII recognizer definitions used by
// the egress policy engine for masking and redaction.
func PIIYAML() []byte { return piiYAML }
