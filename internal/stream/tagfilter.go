// Package stream implements the streaming output pipeline: a tag filter
// that hides tool-call/reasoning markup from user-visible text while still
// accumulating the raw text for post-stream parsing, paired with an idle
// watchdog and a running token estimate.
package stream

import "strings"

// openers are recognized tool-call/reasoning tag openers (case-insensitive)
// mapped to their matching closer.
var openers = []struct {
	open  string
	close string
}{
	{"<tool_call>", "</tool_call>"},
	{"<|tool_call|>", "<|/tool_call|>"},
	{"[tool_call]", "[/tool_call]"},
	{"<function_call>", "</function_call>"},
	{"<|function_call|>", "<|/function_call|>"},
	{"<think>", "</think>"},
}

// longestOpener bounds how much unflushed buffer we must hold before
// concluding no opener can possibly be starting there.
var longestOpener int

func init() {
	for _, o := range openers {
		if len(o.open) > longestOpener {
			longestOpener = len(o.open)
		}
	}
}

// TagFilter consumes streamed tokens and splits them into user-visible text
// and a complete raw-text accumulation (including anything swallowed), for
// the post-stream Tool-Call Parser to later inspect.
type TagFilter struct {
	buf     strings.Builder // unflushed bytes, not yet known to be safe to emit
	raw     strings.Builder // everything ever seen, including swallowed markup
	visible strings.Builder // accumulated visible output

	swallowing    bool
	swallowUntil  string // the closer we're waiting for while swallowing
	swallowVisible bool  // if true, swallowed content (minus tags) still reaches Visible()
	suppressThink bool   // whether <think> content should stay out of Visible()

	newVisible strings.Builder // visible text emitted since the last Feed call
}

// NewTagFilter returns a filter. If suppressThink is true, <think>...</think>
// content is swallowed from Visible() (it is always retained in Raw()).
func NewTagFilter(suppressThink bool) *TagFilter {
	return &TagFilter{suppressThink: suppressThink}
}

// Feed appends one streamed token and returns the newly-available
// user-visible text (may be empty).
func (f *TagFilter) Feed(token string) string {
	f.newVisible.Reset()
	f.raw.WriteString(token)
	f.buf.WriteString(token)
	f.drain(false)
	return f.newVisible.String()
}

// Flush resolves any remaining buffered bytes (call at stream end) and
// returns the newly-available visible text. Held-back bytes outside a
// block are emitted; the content of a block whose closer never arrived is
// dropped from visible output, unless it is a shown <think> block.
func (f *TagFilter) Flush() string {
	f.newVisible.Reset()
	f.drain(true)
	if f.buf.Len() > 0 {
		f.emitVisible(f.buf.String())
		f.buf.Reset()
	}
	return f.newVisible.String()
}

// Raw returns the complete accumulated text, markup included — the input
// to the post-stream Tool-Call Parser.
func (f *TagFilter) Raw() string {
	return f.raw.String()
}

// Visible returns all user-visible text emitted so far.
func (f *TagFilter) Visible() string {
	return f.visible.String()
}

func (f *TagFilter) emitVisible(s string) {
	f.visible.WriteString(s)
	f.newVisible.WriteString(s)
}

// drain repeatedly processes f.buf, emitting safe prefixes to visible
// output and handling openers/closers, until nothing more can be decided
// without more input (or, if atEOF, until the buffer is fully resolved).
func (f *TagFilter) drain(atEOF bool) {
	for {
		content := f.buf.String()
		if content == "" {
			return
		}

		if f.swallowing {
			idx := indexFold(content, f.swallowUntil)
			if idx < 0 {
				if atEOF {
					// Closer never arrived; whatever was buffered is lost to
					// visible output (except for a shown <think> block),
					// though it remains in Raw().
					if f.swallowVisible {
						f.emitVisible(content)
					}
					f.buf.Reset()
				}
				return
			}
			if f.swallowVisible {
				f.emitVisible(content[:idx])
			}
			f.buf.Reset()
			f.buf.WriteString(content[idx+len(f.swallowUntil):])
			f.swallowing = false
			f.swallowUntil = ""
			f.swallowVisible = false
			continue
		}

		openIdx, openTag, closer, isThink := findOpener(content)
		if openIdx < 0 {
			// No opener found anywhere in the buffer. Emit everything up to
			// the point where a partial opener prefix could still be
			// forming, holding back at most longestOpener-1 bytes.
			safeLen := len(content)
			if !atEOF {
				if hold := partialOpenerSuffixLen(content); hold > 0 {
					safeLen = len(content) - hold
				}
			}
			if safeLen > 0 {
				f.emitVisible(content[:safeLen])
				f.buf.Reset()
				f.buf.WriteString(content[safeLen:])
			}
			return
		}

		// Emit everything before the opener, discard the opener itself.
		if openIdx > 0 {
			f.emitVisible(content[:openIdx])
		}
		rest := content[openIdx+len(openTag):]
		f.buf.Reset()
		f.buf.WriteString(rest)

		f.swallowing = true
		f.swallowUntil = closer
		f.swallowVisible = isThink && !f.suppressThink
		continue
	}
}

// findOpener returns the index of the earliest fully-matched opener in s,
// along with the opener text and its matching closer. Returns -1 if none
// is fully present yet.
func findOpener(s string) (idx int, openTag, closeTag string, isThink bool) {
	best := -1
	var bestOpen, bestClose string
	for _, o := range openers {
		if i := indexFold(s, o.open); i >= 0 && (best < 0 || i < best) {
			best = i
			bestOpen = o.open
			bestClose = o.close
		}
	}
	if best < 0 {
		return -1, "", "", false
	}
	return best, bestOpen, bestClose, bestOpen == "<think>"
}

// partialOpenerSuffixLen returns the length of the longest suffix of s that
// is a proper prefix of some recognized opener — bytes that must be held
// back because they might be the start of an opener spanning the next
// token. Returns 0 if no suffix of s matches any opener prefix.
func partialOpenerSuffixLen(s string) int {
	maxHold := longestOpener - 1
	if maxHold > len(s) {
		maxHold = len(s)
	}
	for n := maxHold; n > 0; n-- {
		suffix := strings.ToLower(s[len(s)-n:])
		for _, o := range openers {
			if strings.HasPrefix(strings.ToLower(o.open), suffix) {
				return n
			}
		}
	}
	return 0
}

// indexFold is a case-insensitive strings.Index.
func indexFold(s, substr string) int {
	if substr == "" {
		return -1
	}
	ls, lsub := strings.ToLower(s), strings.ToLower(substr)
	return strings.Index(ls, lsub)
}
