package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/xonecas/agentcli/internal/mcp"
)

// GlobArgs are the arguments to glob.
type GlobArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

// NewGlobTool returns the glob tool definition.
func NewGlobTool() mcp.Tool {
	return mcp.Tool{
		Name:        "glob",
		Description: "Find files matching a glob pattern. Supports ** for recursive matching. Honors .gitignore. Results are sorted by modification time, newest first.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Glob pattern to match files (e.g. '**/*.go', 'src/**/*.ts')"},
				"path":    {"type": "string", "description": "Base directory to search in. Default: current directory."}
			},
			"required": ["pattern"]
		}`),
	}
}

type globMatch struct {
	rel     string
	modTime int64
}

// GlobHandler handles glob calls.
func GlobHandler(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args GlobArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.Pattern == "" {
		return toolError("pattern is required"), nil
	}

	root := args.Path
	if root == "" {
		var err error
		root, err = os.Getwd()
		if err != nil {
			return toolError("Failed to get working directory: %v", err), nil
		}
	}
	root, err := validatePath(root)
	if err != nil {
		return toolError("%v", err), nil
	}

	ignore := newGitignoreMatcher(root)
	patternRe, reErr := regexp.Compile(globPatternToRegex(args.Pattern))
	if reErr != nil {
		return toolError("invalid pattern: %v", reErr), nil
	}

	var matches []globMatch
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
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

		if !patternRe.MatchString(filepath.ToSlash(rel)) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		matches = append(matches, globMatch{rel: rel, modTime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return toolError("Search failed: %v", err), nil
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].modTime > matches[j].modTime })

	if len(matches) == 0 {
		return toolText("No files matched."), nil
	}
	var out string
	for _, m := range matches {
		out += m.rel + "\n"
	}
	return toolText(fmt.Sprintf("Found %d file(s):\n\n%s", len(matches), out)), nil
}

// globPatternToRegex converts a shell glob pattern (with ** support) into an
// anchored regex matched against a slash-separated relative path.
func globPatternToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch ch := pattern[i]; ch {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i++
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '.', '+', '(', ')', '|', '^', '$':
			b.WriteByte('\\')
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	b.WriteString("$")
	return b.String()
}
