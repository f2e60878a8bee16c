package textutil

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Fold lowercases s, strips diacritics and collapses whitespace so that
// messages can be compared regardless of how the site typed them.
func Fold(s string) string {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = strings.ReplaceAll(folded, "’", "'")
	folded = whitespaceRegex.ReplaceAllString(folded, " ")
	return strings.TrimSpace(folded)
}

// FuzzyThreshold is the minimum Jaro-Winkler similarity for a window of words
// to count as a match of a phrase.
const FuzzyThreshold = 0.94

// MatchAny reports the first phrase found in text. Phrases are matched as
// folded substrings first, then as fuzzy matches over windows of words of
// the same length, which tolerates small typos and wording changes.
func MatchAny(text string, phrases ...string) (string, bool) {
	folded := Fold(text)
	if folded == "" {
		return "", false
	}
	for _, p := range phrases {
		if strings.Contains(folded, Fold(p)) {
			return p, true
		}
	}

	words := strings.Fields(folded)
	for _, p := range phrases {
		target := Fold(p)
		n := len(strings.Fields(target))
		if n == 0 || n > len(words) {
			continue
		}
		for i := 0; i+n <= len(words); i++ {
			window := strings.Join(words[i:i+n], " ")
			if matchr.JaroWinkler(window, target, false) >= FuzzyThreshold {
				return p, true
			}
		}
	}
	return "", false
}

// Mask hides everything except the last visible characters of a phone
// number or email local part.
func Mask(s string, visible int) string {
	if at := strings.IndexByte(s, '@'); at >= 0 {
		local := s[:at]
		if len(local) <= 1 {
			return s
		}
		return local[:1] + strings.Repeat("*", len(local)-1) + s[at:]
	}
	r := []rune(s)
	if len(r) <= visible {
		return s
	}
	out := make([]rune, len(r))
	for i, c := range r {
		switch {
		case i < 2 || i >= len(r)-visible:
			out[i] = c
		case unicode.IsDigit(c):
			out[i] = '*'
		default:
			out[i] = c
		}
	}
	return string(out)
}
