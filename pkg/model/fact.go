package model

import "strings"

// Fact is an atomic statement extracted from a single message. It is never persisted.
type Fact string

// NormalizeFacts trims whitespace and drops empty entries, preserving order
func NormalizeFacts(raw []string) []Fact {
	facts := make([]Fact, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		facts = append(facts, Fact(s))
	}
	return facts
}
