// Package recognizer loads and compiles pattern recognizer definitions.
//
// Recognizer files use a Presidio-compatible YAML schema with Warden
// extensions: severity (threat recognizers), sensitivity and checksum
// validation flags (PII recognizers). Both the injection detector and the
// egress policy engine build their runtime pattern tables from this schema,
// so operators can replace or extend detection rules as data without
// touching code.
package recognizer

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// File is the top-level YAML structure for a recognizer config file.
type File struct {
	Recognizers []Config `yaml:"recognizers"`
}

// Config is a single recognizer definition.
type Config struct {
	Name            string            `yaml:"name" json:"name"`
	SupportedEntity string            `yaml:"supported_entity,omitempty" json:"supported_entity,omitempty"`
	Enabled         *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Patterns        []Pattern         `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Languages       []LanguageContext `yaml:"supported_languages,omitempty" json:"supported_languages,omitempty"`
	// Warden extensions.
	Severity     int  `yaml:"severity,omitempty" json:"severity,omitempty"`
	Sensitivity  int  `yaml:"sensitivity,omitempty" json:"sensitivity,omitempty"`
	ValidateLuhn bool `yaml:"validate_luhn,omitempty" json:"validate_luhn,omitempty"`
	ValidateIBAN bool `yaml:"validate_iban,omitempty" json:"validate_iban,omitempty"`
}

// Pattern is a single regex pattern within a recognizer.
type Pattern struct {
	Name  string  `yaml:"name" json:"name"`
	Regex string  `yaml:"regex" json:"regex"`
	Score float64 `yaml:"score" json:"score"`
}

// LanguageContext holds context words for a specific language.
type LanguageContext struct {
	Language string   `yaml:"language" json:"language"`
	Context  []string `yaml:"context,omitempty" json:"context,omitempty"`
}

// IsEnabled returns true if the recognizer is enabled (defaults to true when nil).
func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ContextWords returns the context words for the given language.
func (c *Config) ContextWords(language string) []string {
	for _, l := range c.Languages {
		if l.Language == language {
			return l.Context
		}
	}
	return nil
}

// Parse parses recognizer YAML bytes.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return &f, nil
}

// LoadFile reads and parses a recognizer YAML file from disk. Returns nil
// (not an error) when the file does not exist, so callers can treat a
// missing operator override as a no-op.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return Parse(data)
}

var (
	escapedChar     = regexp.MustCompile(`\\.`)
	characterClass  = regexp.MustCompile(`\[[^\]]{0,256}\]`)
	unboundedRepeat = regexp.MustCompile(`(\*|\+|\{[0-9]{1,6},\})`)
)

// hasUnboundedQuantifier reports whether expr contains `*`, `+` or an
// open-ended `{n,}` repetition. Escaped characters and character classes
// are stripped first so `\+` and `[+/]` do not count as quantifiers.
func hasUnboundedQuantifier(expr string) bool {
	stripped := escapedChar.ReplaceAllString(expr, "")
	stripped = characterClass.ReplaceAllString(stripped, "")
	return unboundedRepeat.MatchString(stripped)
}

// Compile validates and compiles a pattern regex. Unbounded quantifiers are
// rejected outright: detection rules run against attacker-controlled input,
// and every rule must have a fixed worst-case scan cost.
func (p *Pattern) Compile() (*regexp.Regexp, error) {
	if hasUnboundedQuantifier(p.Regex) {
		return nil, fmt.Errorf("pattern %q uses an unbounded quantifier", p.Name)
	}
	re, err := regexp.Compile(p.Regex)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", p.Name, err)
	}
	return re, nil
}

// Merge performs a layered merge: later layers override earlier ones by
// matching on the recognizer Name field; new recognizers are appended.
func Merge(layers ...[]Config) []Config {
	index := make(map[string]int)
	var merged []Config

	for _, layer := range layers {
		for _, rc := range layer {
			if idx, exists := index[rc.Name]; exists {
				merged[idx] = rc
			} else {
				index[rc.Name] = len(merged)
				merged = append(merged, rc)
			}
		}
	}

	return merged
}
