package tts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var lineComment = regexp.MustCompile(`(^|\s)(//|#).*$`)

// normalizeTest reduces content to its significant tokens: line comments,
// blank lines and all whitespace are dropped.
func normalizeTest(content string) string {
	var sb strings.Builder
	for _, line := range strings.Split(content, "\n") {
		line = lineComment.ReplaceAllString(line, "")
		line = strings.Join(strings.Fields(line), "")
		if line == "" {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// buildPool merges the tests of every concluded, non-cancelled trajectory.
// Records are visited by index, so the first trajectory to write a given
// test owns it and the pool is the same on every run.
func buildPool(records []*RunRecord, mode DedupMode) []TestCase {
	ordered := append([]*RunRecord(nil), records...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index() < ordered[j].Index() })

	key := func(tc TestCase) string { return tc.Content }
	if mode == DedupNormalized {
		key = func(tc TestCase) string { return normalizeTest(tc.Content) }
	}

	seen := make(map[string]bool)
	names := make(map[string]bool)
	var pool []TestCase
	for _, r := range ordered {
		if r == nil || r.Verdict().Cancelled() {
			continue
		}
		for _, tc := range r.Tests() {
			k := key(tc)
			if seen[k] {
				continue
			}
			seen[k] = true
			if names[tc.Name] {
				tc.Name = fmt.Sprintf("%s#t%d", tc.Path, tc.OriginIndex)
			}
			names[tc.Name] = true
			pool = append(pool, tc)
		}
	}
	return pool
}
