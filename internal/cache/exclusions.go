package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// regexPrefix marks an exclusion rule as a regular expression.
const regexPrefix = "re:"

// ExclusionList decides which models are never cached. A nil list excludes
// nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// ParseExclusions builds a list from rules such as "o1-preview" (exact) and
// "re:^gpt-4o-audio" (regular expression). Blank rules are skipped.
func ParseExclusions(rules []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{})}

	for _, r := range rules {
		r = strings.TrimSpace(r)
		switch {
		case r == "":
		case strings.HasPrefix(r, regexPrefix):
			expr := strings.TrimPrefix(r, regexPrefix)
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("cache: invalid exclusion pattern %q: %w", expr, err)
			}
			el.patterns = append(el.patterns, re)
		default:
			el.exact[r] = struct{}{}
		}
	}
	return el, nil
}

// Matches reports whether model must bypass the cache.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
