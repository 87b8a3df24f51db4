// Package config loads the project-root clice.yaml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/clice-io/clice/src/internal/common"
)

// Rule is one user rewrite rule. Rules are matched in declaration order and
// the first match wins for each file.
type Rule struct {
	Patterns []string `yaml:"patterns"`
	Append   []string `yaml:"append,omitempty"`
	Remove   []string `yaml:"remove,omitempty"`
	Readonly string   `yaml:"readonly,omitempty"` // auto|always|never
	Header   string   `yaml:"header,omitempty"`   // auto|always|never
	Context  []string `yaml:"context,omitempty"`
}

// Config contains the project-level server configuration.
type Config struct {
	// Directories searched for compile_commands.json, in order.
	CompileCommandsDirs []string `yaml:"compile_commands_dirs"`

	// Directory for preamble outputs and other rebuildable state.
	CacheDir string `yaml:"cache_dir"`

	// Directory for persisted merged indices.
	IndexDir string `yaml:"index_dir"`

	Rules []Rule `yaml:"rules,omitempty"`
}

// Default returns the configuration used when no clice.yaml is present.
func Default(workspace string) *Config {
	return &Config{
		CompileCommandsDirs: []string{workspace, filepath.Join(workspace, "build")},
		CacheDir:            filepath.Join(workspace, ".clice", "cache"),
		IndexDir:            filepath.Join(workspace, ".clice", "index"),
	}
}

// Load reads the configuration file under the workspace root, falling back
// to defaults when the file does not exist. Malformed rules are reported
// and dropped; the server continues.
func Load(workspace string) (*Config, error) {
	path := filepath.Join(workspace, "clice.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(workspace), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg, workspace)
	cfg.Rules = validRules(cfg.Rules)
	return &cfg, nil
}

func applyDefaults(cfg *Config, workspace string) {
	def := Default(workspace)
	if len(cfg.CompileCommandsDirs) == 0 {
		cfg.CompileCommandsDirs = def.CompileCommandsDirs
	}
	for i, dir := range cfg.CompileCommandsDirs {
		if !filepath.IsAbs(dir) {
			cfg.CompileCommandsDirs[i] = filepath.Join(workspace, dir)
		}
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = def.CacheDir
	} else if !filepath.IsAbs(cfg.CacheDir) {
		cfg.CacheDir = filepath.Join(workspace, cfg.CacheDir)
	}
	if cfg.IndexDir == "" {
		cfg.IndexDir = def.IndexDir
	} else if !filepath.IsAbs(cfg.IndexDir) {
		cfg.IndexDir = filepath.Join(workspace, cfg.IndexDir)
	}
}

func validRules(rules []Rule) []Rule {
	kept := rules[:0]
	for _, rule := range rules {
		if err := validateRule(&rule); err != nil {
			common.CLILogger.Warn("Ignore invalid rule: %v", err)
			continue
		}
		kept = append(kept, rule)
	}
	return kept
}

func validateRule(rule *Rule) error {
	if len(rule.Patterns) == 0 {
		return fmt.Errorf("rule has no patterns")
	}
	switch rule.Readonly {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("readonly must be auto, always or never, got %q", rule.Readonly)
	}
	switch rule.Header {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("header must be auto, always or never, got %q", rule.Header)
	}
	hasEffect := len(rule.Append) > 0 || len(rule.Remove) > 0 ||
		rule.Readonly == "always" || rule.Readonly == "never" ||
		rule.Header == "always" || rule.Header == "never" || len(rule.Context) > 0
	if !hasEffect {
		return fmt.Errorf("rule for %v has no effect", rule.Patterns)
	}
	return nil
}
