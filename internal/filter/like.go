package filter

import (
	"strings"

	"github.com/grafana/regexp"
	lru "github.com/hashicorp/golang-lru/v2"
)

const likeCacheSize = 512

var likeCache, _ = lru.New[string, *regexp.Regexp](likeCacheSize)

// LikePattern translates a SQL LIKE pattern into an anchored, case-insensitive
// regular expression. % matches any run of characters and _ matches one.
func LikePattern(pattern string) string {
	var sb strings.Builder
	sb.WriteString("(?is)^")
	lit := strings.Builder{}
	flush := func() {
		if lit.Len() > 0 {
			sb.WriteString(regexp.QuoteMeta(lit.String()))
			lit.Reset()
		}
	}
	for _, r := range pattern {
		switch r {
		case '%':
			flush()
			sb.WriteString(".*")
		case '_':
			flush()
			sb.WriteString(".")
		default:
			lit.WriteRune(r)
		}
	}
	flush()
	sb.WriteString("$")
	return sb.String()
}

// MatchLike reports whether text matches the LIKE pattern. Compiled patterns
// are cached.
func MatchLike(text, pattern string) (bool, error) {
	re, ok := likeCache.Get(pattern)
	if !ok {
		var err error
		re, err = regexp.Compile(LikePattern(pattern))
		if err != nil {
			return false, err
		}
		likeCache.Add(pattern, re)
	}
	return re.MatchString(text), nil
}
