package compiledb

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/clice-io/clice/src/config"
	"github.com/clice-io/clice/src/internal/common"
	cerrors "github.com/clice-io/clice/src/internal/errors"
)

// Rule is a compiled rewrite rule. Patterns match the canonical source
// path; remove entries match the rendered form of each parsed option.
type Rule struct {
	Patterns []glob.Glob
	Append   []string
	Remove   []glob.Glob
	// Readonly and Header are tri-state: nil means "auto".
	Readonly *bool
	Header   *bool
	Context  []string
}

func triState(s string) (*bool, error) {
	switch s {
	case "", "auto":
		return nil, nil
	case "always":
		v := true
		return &v, nil
	case "never":
		v := false
		return &v, nil
	}
	return nil, fmt.Errorf("expected auto, always or never, got %q", s)
}

// CompileRule validates and compiles one configured rule.
func CompileRule(cfg config.Rule) (*Rule, error) {
	fail := func(msg string) (*Rule, error) {
		return nil, &cerrors.RuleError{Pattern: strings.Join(cfg.Patterns, ","), Message: msg}
	}

	if len(cfg.Patterns) == 0 {
		return fail("empty pattern")
	}

	rule := &Rule{Append: cfg.Append, Context: cfg.Context}

	var err error
	if rule.Readonly, err = triState(cfg.Readonly); err != nil {
		return fail(err.Error())
	}
	if rule.Header, err = triState(cfg.Header); err != nil {
		return fail(err.Error())
	}

	for _, pattern := range cfg.Patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			common.DBLogger.Warn("Skip invalid rule pattern %q: %v", pattern, err)
			continue
		}
		rule.Patterns = append(rule.Patterns, g)
	}
	if len(rule.Patterns) == 0 {
		return fail("no valid pattern")
	}

	for _, pattern := range cfg.Remove {
		g, err := glob.Compile(pattern)
		if err != nil {
			common.DBLogger.Warn("Skip invalid remove pattern %q: %v", pattern, err)
			continue
		}
		rule.Remove = append(rule.Remove, g)
	}

	hasEffect := len(rule.Append) > 0 || len(rule.Remove) > 0 ||
		rule.Readonly != nil || rule.Header != nil || len(rule.Context) > 0
	if !hasEffect {
		return fail("rule has no effect")
	}

	return rule, nil
}

// shouldRemove reports whether the rule removes the given parsed argument.
// Flag options match on spelling; valued options match on the glued
// rendered form, so "-D*" removes both "-D A" and "-DB=0".
func (r *Rule) shouldRemove(arg *Arg) bool {
	rendered := arg.Rendered()
	for _, g := range r.Remove {
		if g.Match(rendered) || g.Match(arg.Spelling()) {
			return true
		}
	}
	return false
}

// RuleManager holds the compiled rules in declaration order.
type RuleManager struct {
	rules []*Rule
}

// LoadRules compiles the configured rules, dropping malformed ones with a
// warning.
func (m *RuleManager) LoadRules(configs []config.Rule) {
	for _, cfg := range configs {
		rule, err := CompileRule(cfg)
		if err != nil {
			common.DBLogger.Warn("Ignore invalid rule: %v", err)
			continue
		}
		m.rules = append(m.rules, rule)
	}
}

// FindRule returns the first rule whose pattern matches file, or nil.
func (m *RuleManager) FindRule(file string) *Rule {
	for _, rule := range m.rules {
		for _, pattern := range rule.Patterns {
			if pattern.Match(file) {
				return rule
			}
		}
	}
	return nil
}

// Clear drops all rules.
func (m *RuleManager) Clear() {
	m.rules = nil
}
