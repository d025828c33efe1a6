package normalize

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestHeadlineCollapsesNewlines(t *testing.T) {
	got := Headline("Line one\nLine two\r\nLine three")
	if strings.ContainsAny(got, "\r\n") {
		t.Errorf("expected no newlines, got %q", got)
	}
}

func TestHeadlineStripsRemainingTags(t *testing.T) {
	got := Headline("Breaking: <span class=\"x\">big</span> news")
	if strings.Contains(got, "<") || strings.Contains(got, ">") {
		t.Errorf("expected tags stripped, got %q", got)
	}
}

func TestHeadlineUnescapesEntities(t *testing.T) {
	got := Headline("Tom &amp; Jerry &mdash; a classic")
	if strings.Contains(got, "&amp;") {
		t.Errorf("expected entities unescaped, got %q", got)
	}
}

func TestHeadlineTrimsTrailingPipeSuffix(t *testing.T) {
	got := Headline("Big story breaks | The Daily Example")
	if strings.Contains(got, "|") {
		t.Errorf("expected trailing pipe suffix trimmed, got %q", got)
	}
	if !strings.HasPrefix(got, "Big story breaks") {
		t.Errorf("expected headline body preserved, got %q", got)
	}
}

func TestHeadlineStripsPluralisticWrapper(t *testing.T) {
	got := Headline("Pluralistic: The real story here (03 Jan 2024)")
	if got != "The real story here" {
		t.Errorf("expected pluralistic wrapper stripped, got %q", got)
	}
}

func TestHeadlineTruncatesAtWhitespaceBoundary(t *testing.T) {
	long := strings.Repeat("word ", 60) // well over 200 bytes
	got := Headline(long)
	if utf8.RuneCountInString(got) == 0 {
		t.Fatal("expected non-empty result")
	}
	if len(got) > maxHeadlineBytes {
		t.Fatalf("expected result within %d bytes, got %d", maxHeadlineBytes, len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("expected truncated headline to end in an ellipsis, got %q", got)
	}
}

func TestHeadlineUntruncatedHasNoEllipsis(t *testing.T) {
	got := Headline("A short headline")
	if strings.HasSuffix(got, "…") {
		t.Errorf("expected short headline unmodified, got %q", got)
	}
}

func TestHeadlineIsIdempotent(t *testing.T) {
	inputs := []string{
		"Plain headline",
		"Breaking: <em>big</em> news\nwith a line break | Source Name",
		"Pluralistic: A story (01 Jan 2024)",
		strings.Repeat("abcdefgh ", 40),
	}
	for _, in := range inputs {
		once := Headline(in)
		twice := Headline(once)
		if once != twice {
			t.Errorf("not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestHeadlineNeverExceeds200Bytes(t *testing.T) {
	got := Headline(strings.Repeat("x", 500))
	if len(got) > maxHeadlineBytes {
		t.Errorf("expected at most %d bytes, got %d", maxHeadlineBytes, len(got))
	}
}

func TestDefaultBlacklistMatchesWordle(t *testing.T) {
	b := DefaultBlacklist()
	if !b.Matches("Wordle 942 answer and hints for today") {
		t.Error("expected wordle title to match blacklist")
	}
	if b.Matches("A completely normal news headline") {
		t.Error("expected normal title not to match blacklist")
	}
}

func TestBlacklistMatchesDealOfTheDay(t *testing.T) {
	b := DefaultBlacklist()
	if !b.Matches("Today's Deal of the Day: 50% off widgets") {
		t.Error("expected deal-of-the-day title to match blacklist")
	}
}
