package similarity

import (
	"strings"
	"unicode"
)

// Tokenize lowercases s and splits it into words of letters and digits.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// LongestOverlap returns the length of the longest run of consecutive
// tokens that appears in both a and b.
func LongestOverlap(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	best := 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return best
}

func ngrams(tokens []string, n int) []string {
	if n <= 0 || len(tokens) < n {
		return nil
	}
	out := make([]string, 0, len(tokens)-n+1)
	for i := 0; i+n <= len(tokens); i++ {
		out = append(out, strings.Join(tokens[i:i+n], " "))
	}
	return out
}

// Jaccard returns the n-gram Jaccard similarity of a and b. Texts shorter
// than n tokens have no n-grams and score 0.
func Jaccard(a, b []string, n int) float64 {
	ga, gb := set(ngrams(a, n)), set(ngrams(b, n))
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	inter := 0
	for g := range ga {
		if gb[g] {
			inter++
		}
	}
	return float64(inter) / float64(len(ga)+len(gb)-inter)
}

// ExcerptJaccard compares section against every source window holding the
// same number of n-grams and returns the best Jaccard similarity. This
// scores a section against its matching excerpt rather than the whole page.
func ExcerptJaccard(section, source []string, n int) float64 {
	sg := set(ngrams(section, n))
	if len(sg) == 0 {
		return 0
	}
	grams := ngrams(source, n)
	if len(grams) == 0 {
		return 0
	}
	width := len(ngrams(section, n))
	if width > len(grams) {
		width = len(grams)
	}

	window := map[string]int{}
	inter := 0
	add := func(g string) {
		window[g]++
		if window[g] == 1 && sg[g] {
			inter++
		}
	}
	remove := func(g string) {
		window[g]--
		if window[g] == 0 {
			delete(window, g)
			if sg[g] {
				inter--
			}
		}
	}

	best := 0.0
	for i, g := range grams {
		add(g)
		if i >= width {
			remove(grams[i-width])
		}
		if i+1 < width {
			continue
		}
		if j := float64(inter) / float64(len(sg)+len(window)-inter); j > best {
			best = j
		}
	}
	return best
}

func set(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}
