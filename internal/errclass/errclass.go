// Package errclass classifies raw worker/health error text into named
// patterns and derived heuristics booleans, for ContextBuilder (spec.md
// §4.6). It is built the same way the teacher's classifyProviderCLIError
// classifies provider CLI failures: an ordered table of substring/regex
// hints mapped to a signature string, evaluated top to bottom.
package errclass

import (
	"regexp"
	"strings"
)

// Pattern names the closed set of signatures ContextBuilder can detect.
const (
	PatternTypeScriptErrorCode  = "typescript_error_code"
	PatternCannotFindModule     = "cannot_find_module"
	PatternAssertionFailure     = "assertion_failure"
	PatternReferenceError       = "reference_error"
	PatternTypeError            = "type_error"
	PatternSyntaxError          = "syntax_error"
	PatternImportResolutionError = "import_resolution_error"
)

var tsErrorCodeRe = regexp.MustCompile(`(?i)\bTS\d{3,5}\b`)

// hint is one ordered substring/regex detector. Order matters: the first
// several hints are the most specific signatures, and Classify returns
// every hint that matches rather than stopping at the first, since more
// than one pattern can legitimately co-occur in one error blob.
type hint struct {
	pattern string
	match   func(lower string) bool
}

var hints = []hint{
	{pattern: PatternTypeScriptErrorCode, match: func(lower string) bool { return tsErrorCodeRe.MatchString(lower) }},
	{pattern: PatternCannotFindModule, match: func(lower string) bool {
		return strings.Contains(lower, "cannot find module") || strings.Contains(lower, "cannot find name")
	}},
	{pattern: PatternImportResolutionError, match: func(lower string) bool {
		return strings.Contains(lower, "module not found") || strings.Contains(lower, "unresolved import") ||
			strings.Contains(lower, "no such file or directory") && strings.Contains(lower, "import")
	}},
	{pattern: PatternAssertionFailure, match: func(lower string) bool {
		return strings.Contains(lower, "assertionerror") || strings.Contains(lower, "expect(received)") ||
			strings.Contains(lower, "assert ") || strings.Contains(lower, "expected") && strings.Contains(lower, "received")
	}},
	{pattern: PatternReferenceError, match: func(lower string) bool {
		return strings.Contains(lower, "referenceerror") || strings.Contains(lower, "is not defined")
	}},
	{pattern: PatternTypeError, match: func(lower string) bool {
		return strings.Contains(lower, "typeerror") || strings.Contains(lower, "is not assignable to type")
	}},
	{pattern: PatternSyntaxError, match: func(lower string) bool {
		return strings.Contains(lower, "syntaxerror") || strings.Contains(lower, "unexpected token")
	}},
}

// Classify returns every pattern detected in raw, in the fixed hint order.
func Classify(raw string) []string {
	lower := strings.ToLower(raw)
	var found []string
	for _, h := range hints {
		if h.match(lower) {
			found = append(found, h.pattern)
		}
	}
	return found
}

// Heuristics derives the HealerContext boolean fields from a pattern set
// (spec.md §4.6: "deriving heuristics booleans from the pattern set").
type Heuristics struct {
	HasMissingImports bool
	HasTypeErrors     bool
	HasTestAssertions bool
}

// Derive folds a Classify() result into the three heuristics booleans.
func Derive(patterns []string) Heuristics {
	var h Heuristics
	for _, p := range patterns {
		switch p {
		case PatternCannotFindModule, PatternImportResolutionError:
			h.HasMissingImports = true
		case PatternTypeScriptErrorCode, PatternTypeError:
			h.HasTypeErrors = true
		case PatternAssertionFailure:
			h.HasTestAssertions = true
		}
	}
	return h
}
