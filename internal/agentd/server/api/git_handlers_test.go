package api

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFirstLine(t *testing.T) {
	cases := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"feat: add parser", 72, "feat: add parser"},
		{"  feat: add parser  \n", 72, "feat: add parser"},
		{"`fix: trim quotes`", 72, "fix: trim quotes"},
		{`"quoted message"`, 72, "quoted message"},
		{"first line\nsecond line", 72, "first line"},
		{"", 72, ""},
		{"   \n\n", 72, ""},
		{strings.Repeat("a", 100), 10, strings.Repeat("a", 10)},
	}
	for _, tc := range cases {
		if got := firstLine(tc.in, tc.maxLen); got != tc.want {
			t.Errorf("firstLine(%q, %d) = %q, want %q", tc.in, tc.maxLen, got, tc.want)
		}
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := "héllo wörld"
	for n := 0; n <= len(s); n++ {
		got := truncate(s, n)
		if len(got) > n {
			t.Fatalf("truncate(%q, %d) = %q, too long", s, n, got)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%q, %d) = %q, split a rune", s, n, got)
		}
	}
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("truncate below limit = %q", got)
	}
}

func TestFallbackSummary(t *testing.T) {
	if got := fallbackSummary(nil); got != "Coding session" {
		t.Fatalf("empty prompts = %q", got)
	}
	if got := fallbackSummary([]string{"  ", "\t"}); got != "Coding session" {
		t.Fatalf("blank prompts = %q", got)
	}
	if got := fallbackSummary([]string{"", "Refactor the queue"}); got != "Refactor the queue" {
		t.Fatalf("first real prompt = %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := fallbackSummary([]string{long}); len(got) > 80 {
		t.Fatalf("long prompt not truncated: %d bytes", len(got))
	}
}

func TestLastN(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	if got := lastN(items, 2); len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Fatalf("lastN = %v", got)
	}
	if got := lastN(items, 10); len(got) != 4 {
		t.Fatalf("lastN beyond length = %v", got)
	}
}

func TestCommitNamePromptBudgets(t *testing.T) {
	prompts := []string{"p1", "p2", "p3", "p4", "p5"}
	diff := strings.Repeat("d", promptDiffBudget*2)

	out := commitNamePrompt(diff, prompts)
	if strings.Contains(out, "p1") || strings.Contains(out, "p2") {
		t.Fatal("older prompts must be dropped")
	}
	if !strings.Contains(out, "p5") {
		t.Fatal("latest prompt missing")
	}
	if len(out) > promptDiffBudget+1000 {
		t.Fatalf("prompt too large: %d bytes", len(out))
	}
}
