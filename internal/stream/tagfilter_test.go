package stream

import (
	"strings"
	"testing"
)

func feedAll(f *TagFilter, tokens []string) string {
	var out strings.Builder
	for _, tok := range tokens {
		out.WriteString(f.Feed(tok))
	}
	out.WriteString(f.Flush())
	return out.String()
}

func TestTagFilterPassesPlainTextVerbatim(t *testing.T) {
	f := NewTagFilter(true)
	got := feedAll(f, []string{"hello ", "world"})
	if got != "hello world" {
		t.Errorf("got %q", got)
	}
}

func TestTagFilterHidesToolCallBlock(t *testing.T) {
	f := NewTagFilter(true)
	got := feedAll(f, []string{"before ", "<tool_call>{\"name\":\"x\"}</tool_call>", " after"})
	if got != "before  after" {
		t.Errorf("got %q", got)
	}
	if !strings.Contains(f.Raw(), "<tool_call>") {
		t.Error("raw text should retain the tool_call markup")
	}
}

func TestTagFilterHidesPipeDelimitedVariant(t *testing.T) {
	f := NewTagFilter(true)
	got := feedAll(f, []string{"x <|tool_call|>payload<|/tool_call|> y"})
	if got != "x  y" {
		t.Errorf("got %q", got)
	}
}

func TestTagFilterHidesBracketVariant(t *testing.T) {
	f := NewTagFilter(true)
	got := feedAll(f, []string{"x [TOOL_CALL]payload[/TOOL_CALL] y"})
	if got != "x  y" {
		t.Errorf("got %q", got)
	}
}

func TestTagFilterSuppressesThinkWhenRequested(t *testing.T) {
	f := NewTagFilter(true)
	got := feedAll(f, []string{"pre <think>reasoning here</think> post"})
	if got != "pre  post" {
		t.Errorf("got %q", got)
	}
	if !strings.Contains(f.Raw(), "reasoning here") {
		t.Error("raw should retain think content even when suppressed from visible")
	}
}

func TestTagFilterShowsThinkWhenNotSuppressed(t *testing.T) {
	f := NewTagFilter(false)
	got := feedAll(f, []string{"pre <think>reasoning here</think> post"})
	if !strings.Contains(got, "reasoning here") {
		t.Errorf("expected think content visible, got %q", got)
	}
}

func TestTagFilterPassesHTMLLikeTagsThrough(t *testing.T) {
	f := NewTagFilter(true)
	got := feedAll(f, []string{"<div>hello</div>"})
	if got != "<div>hello</div>" {
		t.Errorf("got %q", got)
	}
}

func TestTagFilterPassesInequalityThrough(t *testing.T) {
	f := NewTagFilter(true)
	got := feedAll(f, []string{"if a < b and c > d"})
	if got != "if a < b and c > d" {
		t.Errorf("got %q", got)
	}
}

func TestTagFilterHandlesOpenerSplitAcrossTokens(t *testing.T) {
	f := NewTagFilter(true)
	got := feedAll(f, []string{"before <tool", "_call>hidden</tool_call> after"})
	if got != "before  after" {
		t.Errorf("got %q", got)
	}
}

func TestTagFilterHandlesCloserSplitAcrossTokens(t *testing.T) {
	f := NewTagFilter(true)
	got := feedAll(f, []string{"<tool_call>payload</tool", "_call> tail"})
	if got != " tail" {
		t.Errorf("got %q", got)
	}
}

func TestTagFilterFlushesUnmatchedOpenerAtStreamEnd(t *testing.T) {
	f := NewTagFilter(true)
	// An opener with no closing tag before the stream ends.
	got := feedAll(f, []string{"before <tool_call>never closes"})
	if got != "before " {
		t.Errorf("got %q", got)
	}
	if !strings.Contains(f.Raw(), "never closes") {
		t.Error("raw should still contain the unclosed payload")
	}
}

func TestTagFilterCaseInsensitiveMatching(t *testing.T) {
	f := NewTagFilter(true)
	got := feedAll(f, []string{"x <TOOL_CALL>payload</TOOL_CALL> y"})
	if got != "x  y" {
		t.Errorf("got %q", got)
	}
}

func TestTagFilterRawAccumulatesEverything(t *testing.T) {
	f := NewTagFilter(true)
	feedAll(f, []string{"visible <tool_call>hidden</tool_call> tail"})
	if f.Raw() != "visible <tool_call>hidden</tool_call> tail" {
		t.Errorf("got %q", f.Raw())
	}
}
