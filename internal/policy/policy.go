// Package policy implements the password composition rules enforced at
// registration and password change. Evaluation is pure: every configured
// rule runs in a fixed order and all violations are collected, so callers
// can report the complete list instead of the first failure.
package policy

import (
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// Class identifies a required character class.
type Class string

const (
	ClassUpper  Class = "upper"
	ClassLower  Class = "lower"
	ClassDigit  Class = "digit"
	ClassSymbol Class = "symbol"
)

// Violation identifies a failed rule. Values are stable and surfaced to
// API clients, so they never change once published.
type Violation string

const (
	ViolationMinLength         Violation = "minLength"
	ViolationMissingUpper      Violation = "missingUpper"
	ViolationMissingLower      Violation = "missingLower"
	ViolationMissingDigit      Violation = "missingDigit"
	ViolationMissingSymbol     Violation = "missingSymbol"
	ViolationContainsHandle    Violation = "containsHandle"
	ViolationForbiddenSequence Violation = "forbiddenSequence"
	ViolationReusedPassword    Violation = "reusedPassword"
)

// Config holds the rule set. Zero values fall back to defaults in New.
type Config struct {
	MinLength          int
	RequiredClasses    []Class
	ForbiddenSequences []string
	HistoryWindow      int
}

// Context carries per-identity inputs for evaluation.
type Context struct {
	// Handle is the login handle; candidates containing it are rejected.
	Handle string
	// PriorHashes are the identity's previous password hashes, most recent
	// first, used for the reuse check.
	PriorHashes []string
}

// Result is the outcome of a single evaluation.
type Result struct {
	Violations []Violation
}

// OK reports whether the candidate passed every rule.
func (r Result) OK() bool { return len(r.Violations) == 0 }

// Engine evaluates candidates against an immutable rule set.
type Engine struct {
	cfg Config
}

// New builds an Engine. MinLength defaults to 8.
func New(cfg Config) *Engine {
	if cfg.MinLength <= 0 {
		cfg.MinLength = 8
	}
	return &Engine{cfg: cfg}
}

// HistoryWindow returns the configured reuse window so stores can trim
// password history to the same bound the engine checks.
func (e *Engine) HistoryWindow() int { return e.cfg.HistoryWindow }

// Evaluate applies every rule in fixed order: length, character classes in
// configured order, handle containment, forbidden sequences, history reuse.
// The candidate is never logged or retained.
func (e *Engine) Evaluate(candidate string, ctx Context) Result {
	var out []Violation

	if len(candidate) < e.cfg.MinLength {
		out = append(out, ViolationMinLength)
	}

	for _, class := range e.cfg.RequiredClasses {
		if v, missing := missingClass(candidate, class); missing {
			out = append(out, v)
		}
	}

	if handle := strings.TrimSpace(ctx.Handle); handle != "" {
		if strings.Contains(strings.ToLower(candidate), strings.ToLower(handle)) {
			out = append(out, ViolationContainsHandle)
		}
	}

	lower := strings.ToLower(candidate)
	for _, seq := range e.cfg.ForbiddenSequences {
		if seq == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(seq)) {
			out = append(out, ViolationForbiddenSequence)
			break
		}
	}

	if window := e.cfg.HistoryWindow; window > 0 {
		hashes := ctx.PriorHashes
		if len(hashes) > window {
			hashes = hashes[:window]
		}
		for _, hash := range hashes {
			if hash == "" {
				continue
			}
			if bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil {
				out = append(out, ViolationReusedPassword)
				break
			}
		}
	}

	return Result{Violations: out}
}

func missingClass(candidate string, class Class) (Violation, bool) {
	var (
		violation Violation
		match     func(rune) bool
	)
	switch class {
	case ClassUpper:
		violation, match = ViolationMissingUpper, unicode.IsUpper
	case ClassLower:
		violation, match = ViolationMissingLower, unicode.IsLower
	case ClassDigit:
		violation, match = ViolationMissingDigit, unicode.IsDigit
	case ClassSymbol:
		violation, match = ViolationMissingSymbol, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		}
	default:
		return "", false
	}
	for _, r := range candidate {
		if match(r) {
			return "", false
		}
	}
	return violation, true
}
