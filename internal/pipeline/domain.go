package pipeline

import "strings"

// validDomain accepts lowercase hostnames with at least two labels.
func validDomain(domain string) bool {
	if len(domain) < 3 || len(domain) > 253 || !strings.Contains(domain, ".") {
		return false
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}

var homoglyphs = strings.NewReplacer(
	"rn", "m",
	"vv", "w",
	"0", "o",
	"1", "l",
	"3", "e",
	"5", "s",
	"-", "",
)

// lookalike reports whether candidate is a near miss of trusted: the same after
// homoglyph folding, or within two edits.
func lookalike(candidate, trusted string) bool {
	if candidate == trusted {
		return false
	}
	if homoglyphs.Replace(candidate) == homoglyphs.Replace(trusted) {
		return true
	}
	return levenshtein(candidate, trusted) <= 2
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
