// Package moderation screens chat text before it is accepted into the lobby.
// A Filter combines an optional keyword blocklist with a fixed set of spam
// heuristics; it holds no mutable state and is safe for concurrent use.
package moderation

import (
	"strings"
	"unicode"
)

// Reasons reported in Result.Reason.
const (
	ReasonBlockedKeyword = "blocked_keyword"
	ReasonSpamPattern    = "spam_pattern"
)

// Result is the outcome of a Check. Term names the matched keyword or spam
// heuristic.
type Result struct {
	Blocked bool
	Reason  string
	Term    string
}

// Filter checks text against a blocklist and the spam heuristics.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
	spam    bool
}

// Option configures a Filter.
type Option func(*Filter)

// WithoutSpamChecks disables the spam heuristics, leaving only the blocklist.
func WithoutSpamChecks() Option {
	return func(f *Filter) { f.spam = false }
}

// NewFilter builds a Filter from terms. Single-word terms match whole tokens;
// multi-word terms match consecutive tokens. Matching is case-insensitive and
// blank terms are ignored.
func NewFilter(terms []string, opts ...Option) *Filter {
	f := &Filter{words: make(map[string]struct{}), spam: true}
	for _, term := range terms {
		tokens := tokenize(term)
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Terms returns the number of blocklist entries.
func (f *Filter) Terms() int {
	return len(f.words) + len(f.phrases)
}

// Check screens text. Blocklist matches take precedence over spam checks.
func (f *Filter) Check(text string) Result {
	tokens := tokenize(text)
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return Result{Blocked: true, Reason: ReasonBlockedKeyword, Term: tok}
		}
	}
	for _, phrase := range f.phrases {
		if containsRun(tokens, phrase) {
			return Result{Blocked: true, Reason: ReasonBlockedKeyword, Term: strings.Join(phrase, " ")}
		}
	}
	if f.spam {
		return checkSpamPatterns(text)
	}
	return Result{}
}

// tokenize lowercases text and splits it on anything that is not a letter or
// digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsRun(tokens, run []string) bool {
	for i := 0; i+len(run) <= len(tokens); i++ {
		match := true
		for j := range run {
			if tokens[i+j] != run[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
