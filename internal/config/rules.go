package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veritas-screening/veritas/internal/model"
)

// complianceRulesFile is the on-disk shape of the Compliance Rule Engine's
// declarative table (§4.3).
type complianceRulesFile struct {
	Rules []model.ComplianceRule `yaml:"rules"`
}

// LoadComplianceRules reads the Compliance Rule Engine's rule table from a
// YAML file. A missing file is not an error; it yields an empty table, which
// the Rule Engine treats as "nothing permitted" (fail closed).
func LoadComplianceRules(path string) ([]model.ComplianceRule, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read compliance rules %q: %w", path, err)
	}
	var f complianceRulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse compliance rules %q: %w", path, err)
	}
	for i, r := range f.Rules {
		if r.CheckType == "" {
			return nil, fmt.Errorf("config: compliance rule %d in %q missing check_type", i, path)
		}
		if r.Locale == "" {
			return nil, fmt.Errorf("config: compliance rule %d in %q missing locale", i, path)
		}
	}
	return f.Rules, nil
}

// freshnessPolicyFile is the on-disk shape of the Cache Store's declarative
// freshness table (§4.2, §6).
type freshnessPolicyFile struct {
	Policies []yamlFreshnessPolicy `yaml:"policies"`
}

// yamlFreshnessPolicy mirrors model.FreshnessPolicy with human-friendly
// duration strings ("7d", "30d") instead of Go duration literals, since
// operators editing this table think in days, not nanoseconds.
type yamlFreshnessPolicy struct {
	CheckType      string            `yaml:"check_type"`
	FreshWindow    string            `yaml:"fresh_window"`
	StaleWindow    string            `yaml:"stale_window"`
	StandardAction model.StaleAction `yaml:"standard_action"`
	EnhancedAction model.StaleAction `yaml:"enhanced_action"`
}

// LoadFreshnessPolicy reads the Cache Store's freshness table from a YAML
// file. A missing file falls back to DefaultFreshnessPolicy so the engine
// still has a sane policy for every known check type out of the box.
func LoadFreshnessPolicy(path string) (map[string]model.FreshnessPolicy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultFreshnessPolicy(), nil
		}
		return nil, fmt.Errorf("config: read freshness policy %q: %w", path, err)
	}
	var f freshnessPolicyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse freshness policy %q: %w", path, err)
	}
	out := make(map[string]model.FreshnessPolicy, len(f.Policies))
	for _, p := range f.Policies {
		fresh, err := parseDayDuration(p.FreshWindow)
		if err != nil {
			return nil, fmt.Errorf("config: freshness policy %q fresh_window: %w", p.CheckType, err)
		}
		stale, err := parseDayDuration(p.StaleWindow)
		if err != nil {
			return nil, fmt.Errorf("config: freshness policy %q stale_window: %w", p.CheckType, err)
		}
		out[p.CheckType] = model.FreshnessPolicy{
			CheckType:      p.CheckType,
			FreshWindow:    fresh,
			StaleWindow:    stale,
			StandardAction: p.StandardAction,
			EnhancedAction: p.EnhancedAction,
		}
	}
	return out, nil
}

// parseDayDuration parses a duration given either in Go's native syntax
// ("168h") or day-count shorthand ("7d"), and treats "0" / "" as zero.
func parseDayDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	if len(s) > 1 && s[len(s)-1] == 'd' {
		days, err := time.ParseDuration(s[:len(s)-1] + "h")
		if err != nil {
			return 0, err
		}
		return days * 24, nil
	}
	return time.ParseDuration(s)
}

// DefaultFreshnessPolicy is the freshness table from §6, used whenever no
// override file is configured.
func DefaultFreshnessPolicy() map[string]model.FreshnessPolicy {
	day := 24 * time.Hour
	table := []model.FreshnessPolicy{
		{CheckType: "sanctions", FreshWindow: 0, StaleWindow: 0, StandardAction: model.StaleActionBlock, EnhancedAction: model.StaleActionBlock},
		{CheckType: "pep", FreshWindow: 0, StaleWindow: 0, StandardAction: model.StaleActionBlock, EnhancedAction: model.StaleActionBlock},
		{CheckType: "criminal", FreshWindow: 7 * day, StaleWindow: 30 * day, StandardAction: model.StaleActionFlag, EnhancedAction: model.StaleActionBlock},
		{CheckType: "adverse_media", FreshWindow: 1 * day, StaleWindow: 7 * day, StandardAction: model.StaleActionFlag, EnhancedAction: model.StaleActionBlock},
		{CheckType: "civil", FreshWindow: 14 * day, StaleWindow: 60 * day, StandardAction: model.StaleActionFlag, EnhancedAction: model.StaleActionFlag},
		{CheckType: "financial", FreshWindow: 30 * day, StaleWindow: 90 * day, StandardAction: model.StaleActionFlag, EnhancedAction: model.StaleActionFlag},
		{CheckType: "corporate_registry", FreshWindow: 30 * day, StaleWindow: 90 * day, StandardAction: model.StaleActionFlag, EnhancedAction: model.StaleActionFlag},
		{CheckType: "osint", FreshWindow: 30 * day, StaleWindow: 90 * day, StandardAction: model.StaleActionNone, EnhancedAction: model.StaleActionFlag},
		{CheckType: "employment", FreshWindow: 90 * day, StaleWindow: 180 * day, StandardAction: model.StaleActionFlag, EnhancedAction: model.StaleActionFlag},
		{CheckType: "behavioral", FreshWindow: 90 * day, StaleWindow: 180 * day, StandardAction: model.StaleActionNone, EnhancedAction: model.StaleActionFlag},
		{CheckType: "education", FreshWindow: 365 * day, StaleWindow: 0, StandardAction: model.StaleActionFlag, EnhancedAction: model.StaleActionFlag},
	}
	out := make(map[string]model.FreshnessPolicy, len(table))
	for _, p := range table {
		out[p.CheckType] = p
	}
	return out
}
