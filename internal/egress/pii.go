package egress

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dativo-io/warden/internal/recognizer"
	"github.com/dativo-io/warden/patterns"
)

const (
	// defaultMinScore is the minimum confidence for a PII match to count.
	// Matches below it are discarded unless boosted by context words.
	defaultMinScore = 0.5

	// contextBoost is added to a match's base score when one of the
	// recognizer's context words appears near the match.
	contextBoost = 0.35

	// contextWindowChars bounds the context-word search around a match.
	contextWindowChars = 100
)

// piiPattern is one compiled recognizer pattern ready for scanning.
type piiPattern struct {
	name         string
	entity       string
	re           *regexp.Regexp
	score        float64
	sensitivity  int
	contextWords []string
	validateLuhn bool
	validateIBAN bool
}

// piiMatch is one detected PII span.
type piiMatch struct {
	entity      string
	start       int
	end         int
	sensitivity int
}

// PIIScanner detects PII spans and rewrites them per the consumer's
// handling mode.
type PIIScanner struct {
	patterns []piiPattern
	minScore float64
}

// NewPIIScanner compiles the embedded default recognizers, with overrides
// layered on top by recognizer name. The loader rejects unbounded
// quantifiers, so a bad override fails here instead of at egress time.
func NewPIIScanner(overrides []recognizer.Config) (*PIIScanner, error) {
	base, err := recognizer.Parse(patterns.PIIYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded PII recognizers: %w", err)
	}

	merged := recognizer.Merge(base.Recognizers, overrides)

	var compiled []piiPattern
	for _, rec := range merged {
		if !rec.IsEnabled() {
			continue
		}
		for _, p := range rec.Patterns {
			re, err := p.Compile()
			if err != nil {
				return nil, fmt.Errorf("recognizer %q: %w", rec.Name, err)
			}
			compiled = append(compiled, piiPattern{
				name:         rec.Name,
				entity:       rec.SupportedEntity,
				re:           re,
				score:        p.Score,
				sensitivity:  rec.Sensitivity,
				contextWords: rec.ContextWords("en"),
				validateLuhn: rec.ValidateLuhn,
				validateIBAN: rec.ValidateIBAN,
			})
		}
	}

	return &PIIScanner{patterns: compiled, minScore: defaultMinScore}, nil
}

// MustNewPIIScanner panics when the embedded defaults fail to compile.
func MustNewPIIScanner() *PIIScanner {
	s, err := NewPIIScanner(nil)
	if err != nil {
		panic(fmt.Sprintf("egress.NewPIIScanner: %v", err))
	}
	return s
}

// scan finds validated PII spans in text, merged so overlapping matches
// produce one span.
func (s *PIIScanner) scan(text string) []piiMatch {
	var found []piiMatch
	for _, p := range s.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]

			if p.validateIBAN {
				clean := strings.ReplaceAll(value, " ", "")
				if !validIBANLength(clean) || !validIBANChecksum(clean) {
					continue
				}
			}
			if p.validateLuhn && !luhnValid(stripNonDigits(value)) {
				continue
			}
			if boostScore(text, loc[0], p.score, p.contextWords) < s.minScore {
				continue
			}

			found = append(found, piiMatch{
				entity:      p.entity,
				start:       loc[0],
				end:         loc[1],
				sensitivity: p.sensitivity,
			})
		}
	}
	return mergeMatches(found)
}

// Apply rewrites detected PII in text according to the handling mode.
// PIIAllow returns text unchanged.
func (s *PIIScanner) Apply(ctx context.Context, handling PIIHandling, text string) string {
	if handling == "" || handling == PIIAllow || text == "" {
		return text
	}

	_, span := tracer.Start(ctx, "egress.pii_apply")
	defer span.End()

	matches := s.scan(text)
	span.SetAttributes(
		attribute.String("pii.handling", string(handling)),
		attribute.Int("pii.match_count", len(matches)),
	)
	if len(matches) == 0 {
		return text
	}

	replacement := MaskToken
	if handling == PIIRedact {
		replacement = RedactTag
	}

	// Replace back to front so earlier offsets stay valid.
	out := []byte(text)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		out = append(out[:m.start], append([]byte(replacement), out[m.end:]...)...)
	}
	return string(out)
}

// mergeMatches sorts spans and folds overlaps into one span keeping the
// higher sensitivity.
func mergeMatches(matches []piiMatch) []piiMatch {
	if len(matches) < 2 {
		return matches
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].start != matches[j].start {
			return matches[i].start < matches[j].start
		}
		return matches[i].end-matches[i].start > matches[j].end-matches[j].start
	})

	merged := matches[:1]
	for _, m := range matches[1:] {
		last := &merged[len(merged)-1]
		if m.start < last.end {
			if m.end > last.end {
				last.end = m.end
			}
			if m.sensitivity > last.sensitivity {
				last.sensitivity = m.sensitivity
				last.entity = m.entity
			}
			continue
		}
		merged = append(merged, m)
	}
	return merged
}

// boostScore adds contextBoost when a context word appears within
// contextWindowChars of the match position.
func boostScore(text string, position int, base float64, contextWords []string) float64 {
	if len(contextWords) == 0 {
		return base
	}
	start := position - contextWindowChars
	if start < 0 {
		start = 0
	}
	end := position + contextWindowChars
	if end > len(text) {
		end = len(text)
	}
	window := strings.ToLower(text[start:end])

	for _, cw := range contextWords {
		if strings.Contains(window, strings.ToLower(cw)) {
			return base + contextBoost
		}
	}
	return base
}

// luhnValid checks a digit string against the Luhn algorithm (ISO/IEC 7812).
func luhnValid(number string) bool {
	n := len(number)
	if n < 2 {
		return false
	}
	sum := 0
	alt := false
	for i := n - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// ibanLengths maps ISO 3166 country codes to the IBAN length registered
// for that country (ISO 13616).
var ibanLengths = map[string]int{
	"AT": 20, "BE": 16, "CH": 21, "CZ": 24, "DE": 22, "DK": 18,
	"ES": 24, "FI": 18, "FR": 27, "GB": 22, "IE": 22, "IT": 27,
	"LU": 20, "NL": 18, "NO": 15, "PL": 28, "PT": 25, "SE": 24,
}

func validIBANLength(iban string) bool {
	if len(iban) < 2 {
		return false
	}
	expected, ok := ibanLengths[iban[:2]]
	return ok && len(iban) == expected
}

// validIBANChecksum verifies the MOD-97 check digits per ISO 13616: the
// country and check digits move to the end, letters become two-digit
// numbers (A=10 .. Z=35), and the whole number mod 97 must equal 1.
func validIBANChecksum(iban string) bool {
	if len(iban) < 5 {
		return false
	}
	rearranged := iban[4:] + iban[:4]

	var digits strings.Builder
	for _, ch := range rearranged {
		switch {
		case ch >= '0' && ch <= '9':
			digits.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			fmt.Fprintf(&digits, "%d", ch-'A'+10)
		default:
			return false
		}
	}

	n, ok := new(big.Int).SetString(digits.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, ch := range s {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}
