package tts

import (
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// TieBreak orders candidates with equal scores.
type TieBreak string

const (
	TieBreakFewestIterations   TieBreak = "fewest_iterations"
	TieBreakEarliestCompletion TieBreak = "earliest_completion"
	TieBreakIndex              TieBreak = "index"
)

// DedupMode selects how pooled tests are compared.
type DedupMode string

const (
	// DedupLiteral treats tests as equal when their content is identical.
	DedupLiteral DedupMode = "literal"
	// DedupNormalized ignores whitespace, blank lines and line comments.
	DedupNormalized DedupMode = "normalized"
)

// DefaultTestGlobs match common test file naming conventions.
var DefaultTestGlobs = []string{
	"**/*_test.go",
	"**/test_*.py",
	"**/*_test.py",
	"**/*.test.js",
	"**/*.test.ts",
	"**/*.spec.js",
	"**/*.spec.ts",
	"**/*Test.java",
}

// Config configures an Aggregator.
type Config struct {
	Trajectories int `yaml:"trajectories"`
	// Parallelism caps concurrently running trajectories; zero runs all at
	// once.
	Parallelism int       `yaml:"parallelism"`
	TieBreak    TieBreak  `yaml:"tie_break"`
	Dedup       DedupMode `yaml:"dedup"`
	TestGlobs   []string  `yaml:"test_globs"`
	// TestCommand runs one pooled test against a candidate. {path} and
	// {dir} are replaced by the shell-quoted test path and its directory.
	TestCommand string        `yaml:"test_command"`
	TestTimeout time.Duration `yaml:"test_timeout"`
	// ValidationParallelism caps concurrent test executions per candidate.
	ValidationParallelism int  `yaml:"validation_parallelism"`
	KeepWorkspaces        bool `yaml:"keep_workspaces"`
}

// DefaultConfig returns defaults for Go repositories.
func DefaultConfig() Config {
	return Config{
		Trajectories:          4,
		TieBreak:              TieBreakFewestIterations,
		Dedup:                 DedupLiteral,
		TestGlobs:             append([]string(nil), DefaultTestGlobs...),
		TestCommand:           "go test ./{dir}",
		TestTimeout:           5 * time.Minute,
		ValidationParallelism: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TieBreak == "" {
		c.TieBreak = d.TieBreak
	}
	if c.Dedup == "" {
		c.Dedup = d.Dedup
	}
	if len(c.TestGlobs) == 0 {
		c.TestGlobs = d.TestGlobs
	}
	if c.TestTimeout <= 0 {
		c.TestTimeout = d.TestTimeout
	}
	if c.ValidationParallelism <= 0 {
		c.ValidationParallelism = d.ValidationParallelism
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.Trajectories < 1 {
		errs = append(errs, fmt.Errorf("trajectories must be at least 1, got %d", c.Trajectories))
	}
	if c.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("parallelism must not be negative, got %d", c.Parallelism))
	}
	switch c.TieBreak {
	case "", TieBreakFewestIterations, TieBreakEarliestCompletion, TieBreakIndex:
	default:
		errs = append(errs, fmt.Errorf("unknown tie_break %q", c.TieBreak))
	}
	switch c.Dedup {
	case "", DedupLiteral, DedupNormalized:
	default:
		errs = append(errs, fmt.Errorf("unknown dedup mode %q", c.Dedup))
	}
	for _, g := range c.TestGlobs {
		if !doublestar.ValidatePattern(g) {
			errs = append(errs, fmt.Errorf("invalid test glob %q", g))
		}
	}
	return errors.Join(errs...)
}

// isTestFile reports whether path matches any of globs.
func isTestFile(globs []string, path string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}
