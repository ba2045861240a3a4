// Package fingerprint implements bloop's error-identity hash: a pure
// function collapsing logically-equivalent errors (differing only in
// numeric ids, IPs, UUIDs, or line numbers in skipped frames) to the
// same stable 16-hex-character identifier.
package fingerprint

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	uuidRE   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	ipv4RE   = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)
	numberRE = regexp.MustCompile(`\d+`)

	// frameSuffixRE strips ":<digits>[:<digits>]" and " line <digits>"
	// wherever they occur in a stack frame after the denylist check picks
	// it — not just at the end, so "(file.swift:42)" still loses its
	// line number.
	frameSuffixRE = regexp.MustCompile(`(:\d+(?::\d+)?| line \d+)`)
)

// denylist holds framework prefixes that mark a stack line as
// uninteresting — the top frame is the first line that matches none of
// these, scanned top to bottom.
var denylist = []string{
	"node_modules/",
	"UIKitCore",
	"CoreFoundation",
	"libdispatch",
	"Foundation",
	"SwiftUI",
	"java.lang.",
	"android.os.",
	"kotlin.",
	"com.apple.",
}

// Input bundles the fields used to compute a fingerprint.
type Input struct {
	Source    string
	ErrorType string
	Route     string // optional, "" if absent
	Message   string
	Stack     string // optional, "" if absent
}

// Compute returns the 16-hex-character fingerprint for in: normalize
// the message, extract the top interesting stack frame, concatenate
// with colons, hash with 64-bit XXH64 (xxhash.Sum64String; not XXH3),
// and format as lowercase zero-padded hex.
func Compute(in Input) string {
	normalizedMessage := normalizeMessage(in.Message)
	topFrame := topInterestingFrame(in.Stack)

	concat := strings.Join([]string{
		in.Source,
		in.ErrorType,
		in.Route,
		normalizedMessage,
		topFrame,
	}, ":")

	sum := xxhash.Sum64String(concat)
	return fmt.Sprintf("%016x", sum)
}

// normalizeMessage replaces UUIDs, IPv4 addresses, and digit runs with
// literal placeholders, lowercases, and trims the result.
func normalizeMessage(message string) string {
	m := uuidRE.ReplaceAllString(message, "<uuid>")
	m = ipv4RE.ReplaceAllString(m, "<ip>")
	m = numberRE.ReplaceAllString(m, "<n>")
	m = strings.ToLower(m)
	return strings.TrimSpace(m)
}

// topInterestingFrame returns the first non-empty stack line whose
// trimmed text contains none of the denylisted framework prefixes, with
// line/column markers stripped wherever they occur. Returns "" if stack is empty
// or every line is denylisted.
func topInterestingFrame(stack string) string {
	if stack == "" {
		return ""
	}
	for _, line := range strings.Split(stack, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if containsAny(trimmed, denylist) {
			continue
		}
		return frameSuffixRE.ReplaceAllString(trimmed, "")
	}
	return ""
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
