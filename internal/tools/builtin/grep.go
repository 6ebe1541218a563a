package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xonecas/agentcli/internal/mcp"
)

// GrepArgs are the arguments to grep.
type GrepArgs struct {
	Pattern       string `json:"pattern"`
	Path          string `json:"path,omitempty"`
	Include       string `json:"include,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
}

// NewGrepTool returns the grep tool definition.
func NewGrepTool() mcp.Tool {
	return mcp.Tool{
		Name:        "grep",
		Description: "Search file contents for a regular expression. Returns matching lines with file paths and line numbers. Honors .gitignore.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern":        {"type": "string", "description": "Regular expression to search for"},
				"path":           {"type": "string", "description": "File or directory to search in. Default: current directory."},
				"include":        {"type": "string", "description": "Glob to restrict which files are searched (e.g. '*.go')"},
				"max_results":    {"type": "integer", "description": "Maximum number of matching lines to return. Default: 100"},
				"case_sensitive": {"type": "boolean", "description": "Case-sensitive matching. Default: false"}
			},
			"required": ["pattern"]
		}`),
	}
}

type grepMatch struct {
	path string
	line int
	text string
}

// GrepHandler handles grep calls.
func GrepHandler(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args GrepArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.Pattern == "" {
		return toolError("pattern is required"), nil
	}
	if args.MaxResults <= 0 {
		args.MaxResults = 100
	}

	pattern := args.Pattern
	if !args.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return toolError("invalid pattern: %v", err), nil
	}

	root := args.Path
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return toolError("Failed to get working directory: %v", err), nil
		}
	}
	root, err = validatePath(root)
	if err != nil {
		return toolError("%v", err), nil
	}

	var includeRe *regexp.Regexp
	if args.Include != "" {
		includeRe, err = regexp.Compile(globPatternToRegex(args.Include))
		if err != nil {
			return toolError("invalid include pattern: %v", err), nil
		}
	}

	ignore := newGitignoreMatcher(root)
	var matches []grepMatch

	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirNames[d.Name()] || ignore.matches(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignore.matches(rel, false) {
			return nil
		}
		if includeRe != nil && !includeRe.MatchString(filepath.ToSlash(rel)) && !includeRe.MatchString(filepath.Base(rel)) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > 10<<20 {
			return nil
		}

		found, searchErr := searchFile(path, rel, regex)
		if searchErr != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= args.MaxResults {
			matches = matches[:args.MaxResults]
			return filepath.SkipAll
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return toolError("Search failed: %v", walkErr), nil
	}

	if len(matches) == 0 {
		return toolText("No matches found."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d match(es):\n\n", len(matches))
	for _, m := range matches {
		fmt.Fprintf(&b, "%s:%d:%s\n", m.path, m.line, m.text)
	}
	if len(matches) >= args.MaxResults {
		fmt.Fprintf(&b, "\n(limited to %d results; use max_results to see more)", args.MaxResults)
	}
	return toolText(b.String()), nil
}

// searchFile scans absPath line by line, returning every line matching regex.
// Files containing a NUL byte are treated as binary and skipped.
func searchFile(absPath, relPath string, regex *regexp.Regexp) ([]grepMatch, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var found []grepMatch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.ContainsRune(line, 0) {
			return nil, nil
		}
		if regex.MatchString(line) {
			found = append(found, grepMatch{path: relPath, line: lineNum, text: line})
		}
	}
	return found, scanner.Err()
}
