// Copyright 2026 The Watchd Authors
// SPDX-License-Identifier: Apache-2.0

package detect

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultKeywords is the built-in failure keyword list. Keywords are
// literal strings, matched case-insensitively with both ends anchored
// to word boundaries: "error" matches "Error: build failed" but not
// "terror". Multi-word keywords match as a phrase.
var DefaultKeywords = []string{
	"error",
	"failed",
	"traceback",
	"panic",
	"fatal",
	"exception",
	"segmentation fault",
	"killed",
	"oom",
}

// PatternSet is a compiled, immutable set of failure keywords. Safe for
// concurrent use by any number of sessions.
type PatternSet struct {
	keywords []string
}

// NewPatternSet compiles the default keywords plus any extras from
// configuration. Extra keywords are folded to lower case; empty strings
// and duplicates are dropped.
func NewPatternSet(extra ...string) *PatternSet {
	seen := make(map[string]bool, len(DefaultKeywords)+len(extra))
	keywords := make([]string, 0, len(DefaultKeywords)+len(extra))
	for _, keyword := range DefaultKeywords {
		if !seen[keyword] {
			seen[keyword] = true
			keywords = append(keywords, keyword)
		}
	}
	for _, keyword := range extra {
		folded := strings.ToLower(strings.TrimSpace(keyword))
		if folded == "" || seen[folded] {
			continue
		}
		seen[folded] = true
		keywords = append(keywords, folded)
	}
	return &PatternSet{keywords: keywords}
}

// Match tests a single line against the set. Returns the first keyword
// (in set order) that occurs in the line anchored to word boundaries,
// and whether any matched.
//
// A word boundary is the edge of an alphanumeric run: the character
// before the match start and after the match end must be absent or
// non-alphanumeric.
func (s *PatternSet) Match(line string) (keyword string, ok bool) {
	folded := strings.ToLower(line)
	for _, candidate := range s.keywords {
		if containsWord(folded, candidate) {
			return candidate, true
		}
	}
	return "", false
}

// containsWord reports whether keyword occurs in folded anchored to
// alphanumeric-run boundaries. folded and keyword are already lower case.
func containsWord(folded, keyword string) bool {
	for searchFrom := 0; searchFrom+len(keyword) <= len(folded); {
		offset := strings.Index(folded[searchFrom:], keyword)
		if offset < 0 {
			return false
		}
		start := searchFrom + offset
		end := start + len(keyword)
		if boundaryBefore(folded, start) && boundaryAfter(folded, end) {
			return true
		}
		searchFrom = start + 1
	}
	return false
}

func boundaryBefore(s string, index int) bool {
	if index == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:index])
	return !isWordRune(r)
}

func boundaryAfter(s string, index int) bool {
	if index >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[index:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
