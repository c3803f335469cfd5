// Package injection detects adversarial patterns in free text before it
// reaches a privileged operation.
//
// Detection runs three tiers in order: high-risk instruction patterns,
// encoded payloads, and statistical heuristics. The overall risk score is
// the maximum across matched rules. Nothing in this package returns an
// error for hostile input — every path yields a Result the caller branches
// on, matching the platform's result-object propagation policy.
package injection

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/injection")

const (
	// MaxInputBytes is the scan ceiling. Longer inputs are blocked outright
	// without pattern scanning; a legitimate intent parameter bag never
	// approaches this size.
	MaxInputBytes = 10 * 1024

	// DefaultThreshold is the risk score at which input is blocked.
	DefaultThreshold = 70

	// blockScore: any single pattern at or above this score blocks
	// regardless of the configured threshold.
	blockScore = 70
)

// Heuristic tier thresholds.
const (
	specialCharRatioMax  = 0.3
	specialCharMinLen    = 20
	capitalRatioMax      = 0.7
	capitalMinLetters    = 20
	repeatedCharMin      = 20
	dominantTokenShare   = 0.5
	dominantTokenMinHits = 10
)

// Result is the outcome of an injection scan.
type Result struct {
	Detected        bool     `json:"detected"`
	Blocked         bool     `json:"blocked"`
	PatternsMatched []string `json:"patterns_matched"`
	RiskScore       int      `json:"risk_score"` // 0-100, max across matched rules
	Warnings        []string `json:"warnings"`
}

// Validation is the outcome of a shape/length check.
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ScanReport is the composed result of SecurityScan.
type ScanReport struct {
	Safe       bool       `json:"safe"`
	Stage      string     `json:"stage"` // "validate", "detect", or "sanitize"
	Validation Validation `json:"validation"`
	Detection  *Result    `json:"detection,omitempty"`
	Sanitized  string     `json:"sanitized,omitempty"`
}

// Detector scans free text for adversarial patterns.
type Detector struct {
	patterns  []ThreatPattern
	threshold int
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold overrides the default block threshold.
func WithThreshold(threshold int) Option {
	return func(d *Detector) {
		if threshold > 0 {
			d.threshold = threshold
		}
	}
}

// WithPatterns replaces the default pattern set. Used by operators who load
// their own recognizer file, and by tests.
func WithPatterns(patterns []ThreatPattern) Option {
	return func(d *Detector) { d.patterns = patterns }
}

// NewDetector creates a detector with the embedded default patterns.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		patterns:  ThreatPatterns,
		threshold: DefaultThreshold,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect scans input and returns a risk assessment. Inputs over the size
// ceiling are blocked without scanning.
func (d *Detector) Detect(ctx context.Context, input string) *Result {
	_, span := tracer.Start(ctx, "injection.detect")
	defer span.End()

	result := &Result{
		PatternsMatched: []string{},
		Warnings:        []string{},
	}

	if len(input) > MaxInputBytes {
		result.Detected = true
		result.Blocked = true
		result.RiskScore = 100
		result.PatternsMatched = append(result.PatternsMatched, "input_length_exceeded")
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("input of %d bytes exceeds the %d byte scan ceiling", len(input), MaxInputBytes))
		span.SetAttributes(attribute.Bool("injection.blocked", true))
		return result
	}

	matched := make(map[string]bool)
	for _, p := range d.patterns {
		if !p.Pattern.MatchString(input) {
			continue
		}
		result.Detected = true
		if !matched[p.Name] {
			matched[p.Name] = true
			result.PatternsMatched = append(result.PatternsMatched, p.Name)
		}
		if p.Score > result.RiskScore {
			result.RiskScore = p.Score
		}
		// High-risk patterns block regardless of the configured threshold.
		if p.Score >= blockScore {
			result.Blocked = true
		}
	}

	for _, h := range heuristicFindings(input) {
		result.Detected = true
		result.PatternsMatched = append(result.PatternsMatched, h.name)
		result.Warnings = append(result.Warnings, h.warning)
		if h.score > result.RiskScore {
			result.RiskScore = h.score
		}
	}

	if result.RiskScore >= d.threshold {
		result.Blocked = true
	}

	span.SetAttributes(
		attribute.Bool("injection.detected", result.Detected),
		attribute.Bool("injection.blocked", result.Blocked),
		attribute.Int("injection.risk_score", result.RiskScore),
		attribute.Int("injection.pattern_count", len(result.PatternsMatched)),
	)

	return result
}

// ValidateInput is the shape/length gate run before detection.
func (d *Detector) ValidateInput(input string) Validation {
	if strings.TrimSpace(input) == "" {
		return Validation{Valid: false, Reason: "input is empty"}
	}
	if len(input) > MaxInputBytes {
		return Validation{Valid: false, Reason: fmt.Sprintf("input exceeds %d bytes", MaxInputBytes)}
	}
	if strings.ContainsRune(input, '\x00') {
		return Validation{Valid: false, Reason: "input contains NUL bytes"}
	}
	return Validation{Valid: true}
}

// SecurityScan composes validate → detect → sanitize, short-circuiting on
// the first failing stage.
func (d *Detector) SecurityScan(ctx context.Context, input string) *ScanReport {
	ctx, span := tracer.Start(ctx, "injection.security_scan")
	defer span.End()

	report := &ScanReport{Stage: "validate"}
	report.Validation = d.ValidateInput(input)
	if !report.Validation.Valid {
		return report
	}

	report.Stage = "detect"
	report.Detection = d.Detect(ctx, input)
	if report.Detection.Blocked {
		return report
	}

	report.Stage = "sanitize"
	report.Sanitized = Sanitize(input)
	report.Safe = true
	return report
}

var (
	roleMarker   = regexp.MustCompile(`(?i)(<\|?(im_start|im_end|system|assistant|endoftext)\|?>|\[\s{0,3}/?\s{0,3}(INST|SYS|SYSTEM)\s{0,3}\])`)
	evalCall     = regexp.MustCompile(`(?i)\beval\s{0,3}\([^)]{0,200}\)`)
	multiSpace   = regexp.MustCompile(`\s{2,}`)
	nonPrintable = regexp.MustCompile(`[^\x20-\x7e\n\t]`)
)

// Sanitize strips delimiter and role markers, masks eval()-shaped calls,
// drops non-printable and non-ASCII characters, and collapses whitespace.
// Sanitization is lossy; callers keep the original input for audit previews.
func Sanitize(input string) string {
	s := roleMarker.ReplaceAllString(input, "")
	s = evalCall.ReplaceAllString(s, "eval([removed])")
	s = nonPrintable.ReplaceAllString(s, "")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

type heuristicFinding struct {
	name    string
	warning string
	score   int
}

// heuristicFindings runs the statistical tier: anomalous character ratios
// and repetition shapes that survive pattern evasion.
func heuristicFindings(input string) []heuristicFinding {
	var findings []heuristicFinding

	if len(input) > specialCharMinLen {
		special := 0
		for _, r := range input {
			if !isAlphanumeric(r) && r != ' ' && r != '\n' && r != '\t' {
				special++
			}
		}
		if ratio := float64(special) / float64(len(input)); ratio > specialCharRatioMax {
			findings = append(findings, heuristicFinding{
				name:    "special_char_ratio",
				warning: fmt.Sprintf("special character ratio %.2f exceeds %.2f", ratio, specialCharRatioMax),
				score:   45,
			})
		}
	}

	letters, capitals := 0, 0
	for _, r := range input {
		if r >= 'a' && r <= 'z' {
			letters++
		} else if r >= 'A' && r <= 'Z' {
			letters++
			capitals++
		}
	}
	if letters >= capitalMinLetters {
		if ratio := float64(capitals) / float64(letters); ratio > capitalRatioMax {
			findings = append(findings, heuristicFinding{
				name:    "capital_ratio",
				warning: fmt.Sprintf("capital letter ratio %.2f exceeds %.2f", ratio, capitalRatioMax),
				score:   40,
			})
		}
	}

	if name, ok := repetitionFinding(input); ok {
		findings = append(findings, heuristicFinding{
			name:    name,
			warning: "repetitive input shape suggests a flooding or confusion attempt",
			score:   50,
		})
	}

	return findings
}

// repetitionFinding reports a single character repeated at least
// repeatedCharMin times in a row, or one token holding at least
// dominantTokenShare of all tokens with dominantTokenMinHits occurrences.
func repetitionFinding(input string) (string, bool) {
	run := 1
	for i := 1; i < len(input); i++ {
		if input[i] == input[i-1] {
			run++
			if run >= repeatedCharMin {
				return "repeated_character", true
			}
		} else {
			run = 1
		}
	}

	tokens := strings.Fields(input)
	if len(tokens) == 0 {
		return "", false
	}
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[strings.ToLower(t)]++
	}
	for _, n := range counts {
		if n >= dominantTokenMinHits && float64(n)/float64(len(tokens)) >= dominantTokenShare {
			return "dominant_token", true
		}
	}
	return "", false
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
