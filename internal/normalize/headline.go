// Package normalize implements the headline normalizer (spec.md §4.D): a
// pure transformation from a raw feed title to the string actually
// posted, plus the junk-article blacklist applied before staging.
// Grounded in the teacher's article_filter_test.go table-driven test
// shape and its shouldProcessArticle "one predicate gates staging"
// structure (that teacher predicate filters on publish-date cutoffs,
// not regex; the regex-based blacklist here is new), with HTML fragment
// handling via goquery rather than a hand-rolled tag stripper.
package normalize

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const maxHeadlineBytes = 200

var newlineRe = regexp.MustCompile(`\r\n|\r|\n`)
var tagRe = regexp.MustCompile(`<[^>]*>`)
var trailingPipeRe = regexp.MustCompile(`\s*\|\s*[^|]*$`)
var pluralisticRe = regexp.MustCompile(`^Pluralistic:\s*(.*?)\s*\(\d{1,2} \w{3} \d{4}\)\s*$`)

// styledRange maps an ASCII letter to the corresponding Unicode
// styled-letter codepoint for the <em> and <strong> tags; <sub> and
// <sup> digits use subscriptDigits and superscriptDigits instead.
type styledRange struct {
	upperBase, lowerBase, digitBase rune
}

var (
	italicRange = styledRange{upperBase: 0x1D434, lowerBase: 0x1D44E}
	boldRange   = styledRange{upperBase: 0x1D400, lowerBase: 0x1D41A}
)

var subscriptDigits = []rune("₀₁₂₃₄₅₆₇₈₉")
var superscriptDigits = []rune("⁰¹²³⁴⁵⁶⁷⁸⁹")

// Headline runs the full seven-step transformation described in
// spec.md §4.D. Applying it to its own output changes nothing, except in
// two cases: each pass removes only the last " | " suffix, so a title
// with several " | " separators loses one more segment per pass; and
// markup that was entity-escaped in the raw title (e.g. "&lt;em&gt;")
// is unescaped by the first pass and rendered or stripped by the next.
func Headline(raw string) string {
	s := newlineRe.ReplaceAllString(raw, " ")
	s = renderStyledSpans(s)
	s = tagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = trailingPipeRe.ReplaceAllString(s, "")
	if m := pluralisticRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = truncate(s, maxHeadlineBytes)
	return s
}

// renderStyledSpans replaces <em>, <strong>, <sub>, <sup> spans with
// their inner text rendered into the matching Unicode styled-letter
// range, using goquery to parse the fragment rather than regex capture
// so nested/attribute-bearing tags still resolve correctly.
func renderStyledSpans(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<div>" + s + "</div>"))
	if err != nil {
		return s
	}

	var rewrite func(sel *goquery.Selection)
	rewrite = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, child *goquery.Selection) {
			if goquery.NodeName(child) == "#text" {
				return
			}
			switch goquery.NodeName(child) {
			case "em":
				child.ReplaceWithHtml(styleText(child.Text(), italicRange))
			case "strong":
				child.ReplaceWithHtml(styleText(child.Text(), boldRange))
			case "sub":
				child.ReplaceWithHtml(digitStyle(child.Text(), subscriptDigits))
			case "sup":
				child.ReplaceWithHtml(digitStyle(child.Text(), superscriptDigits))
			default:
				rewrite(child)
			}
		})
	}
	rewrite(doc.Find("div"))

	out, err := doc.Find("div").Html()
	if err != nil {
		return s
	}
	return out
}

func styleText(text string, r styledRange) string {
	var b strings.Builder
	for _, c := range text {
		switch {
		case c >= 'A' && c <= 'Z':
			b.WriteRune(r.upperBase + (c - 'A'))
		case r == italicRange && c == 'h':
			// U+1D455 is unassigned; the italic small h is U+210E.
			b.WriteRune('ℎ')
		case c >= 'a' && c <= 'z':
			b.WriteRune(r.lowerBase + (c - 'a'))
		default:
			b.WriteRune(c)
		}
	}
	return html.EscapeString(b.String())
}

func digitStyle(text string, digits []rune) string {
	var b strings.Builder
	for _, c := range text {
		if c >= '0' && c <= '9' {
			b.WriteRune(digits[c-'0'])
		} else {
			b.WriteRune(c)
		}
	}
	return html.EscapeString(b.String())
}

// truncate trims s to at most maxBytes UTF-8 bytes, breaking on the last
// whitespace boundary that fits and appending an ellipsis, per spec.md
// §4.D step 7 and the byte-length invariant in §8.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	ellipsis := "…"
	budget := maxBytes - len(ellipsis)
	if budget < 0 {
		budget = 0
	}

	cut := budget
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	candidate := s[:cut]
	if idx := strings.LastIndexAny(candidate, " \t"); idx > 0 {
		candidate = candidate[:idx]
	}
	return strings.TrimRight(candidate, " \t") + ellipsis
}

// Blacklist holds the compiled junk-article patterns matched against a
// raw (pre-normalization) title before staging (spec.md §4.D, §4.F step
// 4.2). Plays the same "gate before staging" role as the teacher's
// shouldProcessArticle predicate, rebuilt against title-text patterns
// instead of the teacher's publish-date cutoffs.
type Blacklist struct {
	patterns []*regexp.Regexp
}

// DefaultBlacklist returns the junk-article patterns named in spec.md
// §4.D: wordle-style daily puzzle grids, "deal of the day" spam, and
// similar recurring non-news entries.
func DefaultBlacklist() *Blacklist {
	return NewBlacklist([]string{
		`(?i)^wordle\s+\d+`,
		`(?i)\bdeal of the day\b`,
		`(?i)^daily (crossword|puzzle|quiz)\b`,
		`(?i)^sponsored:`,
	})
}

// NewBlacklist compiles a set of case-sensitive-as-written regex
// patterns; callers wanting case-insensitivity include `(?i)` themselves.
func NewBlacklist(patterns []string) *Blacklist {
	b := &Blacklist{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			b.patterns = append(b.patterns, re)
		}
	}
	return b
}

// Matches reports whether the raw title matches any blacklist pattern.
func (b *Blacklist) Matches(rawTitle string) bool {
	for _, re := range b.patterns {
		if re.MatchString(rawTitle) {
			return true
		}
	}
	return false
}
