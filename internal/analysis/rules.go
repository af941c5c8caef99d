package analysis

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRules is returned when a rule set fails validation.
var ErrInvalidRules = errors.New("invalid skill rules")

// SkillRule configures one skill dimension.
type SkillRule struct {
	Name         string   `yaml:"name"`
	WeakPatterns []string `yaml:"weak_patterns"`
	GoodPatterns []string `yaml:"good_patterns"`
	Hints        []string `yaml:"hints"`
	Examples     []string `yaml:"examples"`
}

// ScenarioHint is a canned tip for a practice scenario.
type ScenarioHint struct {
	Skill   string `yaml:"skill"`
	Message string `yaml:"message"`
	Example string `yaml:"example"`
}

// RuleSet is the full analysis configuration. Skills are scored and
// reported in declaration order.
type RuleSet struct {
	Skills    []SkillRule               `yaml:"skills"`
	Scenarios map[string][]ScenarioHint `yaml:"scenarios"`
}

// LoadRules reads a YAML rule set. An empty path yields DefaultRules.
func LoadRules(path string) (RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		return RuleSet{}, fmt.Errorf("read %s: %w", path, err)
	}
	var rules RuleSet
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return RuleSet{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(rules.Scenarios) == 0 {
		rules.Scenarios = DefaultRules().Scenarios
	}
	return rules, nil
}

type compiledSkill struct {
	name     string
	weak     []*regexp.Regexp
	good     []*regexp.Regexp
	hints    []string
	examples []string
}

func compile(rules RuleSet) ([]compiledSkill, error) {
	if len(rules.Skills) == 0 {
		return nil, fmt.Errorf("%w: no skills configured", ErrInvalidRules)
	}
	seen := make(map[string]bool, len(rules.Skills))
	out := make([]compiledSkill, 0, len(rules.Skills))
	for _, r := range rules.Skills {
		if r.Name == "" {
			return nil, fmt.Errorf("%w: skill without name", ErrInvalidRules)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("%w: duplicate skill %q", ErrInvalidRules, r.Name)
		}
		seen[r.Name] = true
		if len(r.WeakPatterns) == 0 || len(r.GoodPatterns) == 0 {
			return nil, fmt.Errorf("%w: skill %q needs weak and good patterns", ErrInvalidRules, r.Name)
		}
		if len(r.Hints) == 0 || len(r.Examples) == 0 {
			return nil, fmt.Errorf("%w: skill %q needs hints and examples", ErrInvalidRules, r.Name)
		}
		weak, err := compilePatterns(r.Name, r.WeakPatterns)
		if err != nil {
			return nil, err
		}
		good, err := compilePatterns(r.Name, r.GoodPatterns)
		if err != nil {
			return nil, err
		}
		out = append(out, compiledSkill{
			name:     r.Name,
			weak:     weak,
			good:     good,
			hints:    r.Hints,
			examples: r.Examples,
		})
	}
	return out, nil
}

func compilePatterns(skill string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: skill %q pattern %q: %v", ErrInvalidRules, skill, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func countMatches(patterns []*regexp.Regexp, text string) int {
	n := 0
	for _, re := range patterns {
		if re.MatchString(text) {
			n++
		}
	}
	return n
}
