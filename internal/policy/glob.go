package policy

import (
	"regexp"
	"strings"
	"sync"
)

var (
	globMu    sync.RWMutex
	globCache = map[string]*regexp.Regexp{}
)

// MatchGlob reports whether value matches the glob pattern. `*` matches any
// run of characters; every other regex metacharacter is literal. Matching is
// case-insensitive and anchored at both ends.
func MatchGlob(pattern, value string) bool {
	globMu.RLock()
	re, ok := globCache[pattern]
	globMu.RUnlock()

	if !ok {
		re = compileGlob(pattern)
		globMu.Lock()
		globCache[pattern] = re
		globMu.Unlock()
	}

	return re.MatchString(value)
}

func compileGlob(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
