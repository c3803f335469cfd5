package injection

import (
	"fmt"
	"regexp"

	"github.com/dativo-io/warden/internal/recognizer"
	"github.com/dativo-io/warden/patterns"
)

// ThreatPattern is a compiled, ready-to-use injection detection pattern.
type ThreatPattern struct {
	Name        string // recognizer name, e.g. "instruction_override"
	Description string // individual pattern name
	Pattern     *regexp.Regexp
	Severity    int // 1 = heuristic tier, 2 = encoded payload, 3 = high-risk
	Score       int // 0-100 risk contribution
}

// DefaultThreatRecognizers returns the built-in injection recognizers parsed
// from the embedded threat.yaml file.
func DefaultThreatRecognizers() ([]recognizer.Config, error) {
	rf, err := recognizer.Parse(patterns.ThreatYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded threat patterns: %w", err)
	}
	return rf.Recognizers, nil
}

// CompileThreatPatterns converts recognizer configs into compiled
// ThreatPattern entries. Disabled recognizers are skipped. Pattern scores in
// threat recognizers are absolute 0-100 risk values, not Presidio confidence.
func CompileThreatPatterns(recognizers []recognizer.Config) ([]ThreatPattern, error) {
	var result []ThreatPattern

	for i := range recognizers {
		rec := &recognizers[i]
		if !rec.IsEnabled() {
			continue
		}
		for _, p := range rec.Patterns {
			compiled, err := p.Compile()
			if err != nil {
				return nil, fmt.Errorf("threat recognizer %q: %w", rec.Name, err)
			}
			result = append(result, ThreatPattern{
				Name:        rec.Name,
				Description: p.Name,
				Pattern:     compiled,
				Severity:    rec.Severity,
				Score:       int(p.Score),
			})
		}
	}

	return result, nil
}

// ThreatPatterns is the compiled default pattern set, built at init time
// from the embedded YAML.
var ThreatPatterns []ThreatPattern

func init() {
	recs, err := DefaultThreatRecognizers()
	if err != nil {
		panic(fmt.Sprintf("loading embedded threat patterns: %v", err))
	}
	compiled, err := CompileThreatPatterns(recs)
	if err != nil {
		panic(fmt.Sprintf("compiling embedded threat patterns: %v", err))
	}
	ThreatPatterns = compiled
}
