package egress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PIIHandling selects how detected PII in outbound events is treated.
type PIIHandling string

const (
	// PIIAllow passes PII through unchanged.
	PIIAllow PIIHandling = "allow"
	// PIIMask replaces each detected PII value with MaskToken.
	PIIMask PIIHandling = "mask"
	// PIIRedact replaces each detected PII value with RedactTag.
	PIIRedact PIIHandling = "redact"
)

const (
	// MaskToken is the fixed replacement for masked PII values.
	MaskToken = "****"
	// RedactTag is the fixed replacement for redacted PII values.
	RedactTag = "[REDACTED]"
)

// ContentCategories holds substring terms that gate event content. An event
// matching any deny term is dropped; when the allow list is non-empty, an
// event matching none of the allow terms is dropped too.
type ContentCategories struct {
	Allow []string `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// RateLimit is the per-consumer egress throughput ceiling.
type RateLimit struct {
	EventsPerMinute int `yaml:"eventsPerMinute,omitempty" json:"eventsPerMinute,omitempty"`
	BurstLimit      int `yaml:"burstLimit,omitempty" json:"burstLimit,omitempty"`
}

// AppFilterProfile is the egress filter configuration for one downstream
// consumer application. Field names match the platform's profile YAML.
type AppFilterProfile struct {
	AppID                string            `yaml:"appId" json:"appId"`
	AllowedEventTypes    []string          `yaml:"allowedEventTypes" json:"allowedEventTypes"`
	PIIHandling          PIIHandling       `yaml:"piiHandling,omitempty" json:"piiHandling,omitempty"`
	EmotionalDataEnabled bool              `yaml:"emotionalDataEnabled,omitempty" json:"emotionalDataEnabled,omitempty"`
	ContentCategories    ContentCategories `yaml:"contentCategories,omitempty" json:"contentCategories,omitempty"`
	RateLimit            RateLimit         `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
}

// Validate checks profile fields that would otherwise fail silently at
// filter time.
func (p *AppFilterProfile) Validate() error {
	if p.AppID == "" {
		return fmt.Errorf("profile is missing appId")
	}
	switch p.PIIHandling {
	case "", PIIAllow, PIIMask, PIIRedact:
	default:
		return fmt.Errorf("profile %s: unknown piiHandling %q", p.AppID, p.PIIHandling)
	}
	if p.RateLimit.EventsPerMinute < 0 || p.RateLimit.BurstLimit < 0 {
		return fmt.Errorf("profile %s: rate limit values must not be negative", p.AppID)
	}
	return nil
}

// AllowsEventType reports whether eventType is in the profile's allowlist.
func (p *AppFilterProfile) AllowsEventType(eventType string) bool {
	for _, t := range p.AllowedEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// ParseProfile parses one profile YAML document.
func ParseProfile(data []byte) (*AppFilterProfile, error) {
	var p AppFilterProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile YAML: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProfileDir reads every .yaml/.yml file in dir as one profile each.
// A missing directory is not an error, so a deployment without static
// profiles starts with an empty (deny-all) registry.
func LoadProfileDir(dir string) ([]*AppFilterProfile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading profile directory %s: %w", dir, err)
	}

	var profiles []*AppFilterProfile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading profile %s: %w", entry.Name(), err)
		}
		p, err := ParseProfile(data)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", entry.Name(), err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}
