package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xonecas/agentcli/internal/mcp"
	"golang.org/x/net/html"
)

// WebFetchArgs are the arguments to web_fetch.
type WebFetchArgs struct {
	URL      string `json:"url"`
	MaxChars int    `json:"max_chars,omitempty"`
}

// NewWebFetchTool returns the web_fetch tool definition.
func NewWebFetchTool() mcp.Tool {
	return mcp.Tool{
		Name:        "web_fetch",
		Description: "Fetch a URL and return its content as cleaned text (HTML tags, scripts, and styles stripped).",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url":       {"type": "string", "description": "The URL to fetch."},
				"max_chars": {"type": "integer", "description": "Maximum characters to return. Default: 10000"}
			},
			"required": ["url"]
		}`),
	}
}

// WebFetchHandler handles web_fetch calls.
func WebFetchHandler(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args WebFetchArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.URL == "" {
		return toolError("url is required"), nil
	}
	if args.MaxChars <= 0 {
		args.MaxChars = 10000
	}

	client := &http.Client{Timeout: 15 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return toolError("Bad URL: %v", err), nil
	}
	req.Header.Set("User-Agent", "agentcli/0.1")
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.5")

	resp, err := client.Do(req)
	if err != nil {
		return toolError("Fetch failed: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return toolError("HTTP %d: %s", resp.StatusCode, resp.Status), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return toolError("Read failed: %v", err), nil
	}

	contentType := resp.Header.Get("Content-Type")
	var text string
	if strings.Contains(contentType, "text/html") {
		text = extractText(body)
	} else {
		text = string(body)
	}

	return toolText(truncateChars(text, args.MaxChars)), nil
}

// isSkipTag returns true for tags whose content should be suppressed.
func isSkipTag(tag string) bool {
	return tag == "script" || tag == "style" || tag == "noscript"
}

// extractText parses HTML and returns visible text content, stripping
// script, style, and noscript elements.
func extractText(data []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(data))
	var b strings.Builder
	skip := 0

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			return collapseWhitespace(b.String())
		}
		tn, _ := tokenizer.TagName()
		tag := string(tn)

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			if isSkipTag(tag) {
				skip++
			}
			if isBlockElement(tag) && b.Len() > 0 {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			if isSkipTag(tag) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}
}

// isBlockElement returns true for HTML elements that typically start a new line.
func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "br", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "tr", "td", "th", "blockquote", "pre", "hr",
		"header", "footer", "section", "article", "nav", "main":
		return true
	}
	return false
}

// collapseWhitespace trims each line and collapses multiple blank lines.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blanks := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			blanks++
			if blanks <= 1 {
				out = append(out, "")
			}
			continue
		}
		blanks = 0
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// truncateChars cuts a string to maxChars (rune-safe).
func truncateChars(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "\n\n[Truncated]"
}
