package agent

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xonecas/agentcli/internal/config"
)

//go:embed system_prompt.md
var baseSystemPrompt string

// BuildSystemPrompt assembles the system prompt: project- and user-level
// AGENTS.md instructions, least specific first (so the nearest AGENTS.md
// sits right before the base prompt), followed by the base prompt.
func BuildSystemPrompt() string {
	instructions := LoadAgentInstructions()
	if instructions == "" {
		return baseSystemPrompt
	}
	return instructions + "\n\n---\n\n" + baseSystemPrompt
}

// LoadAgentInstructions searches for AGENTS.md files from the current
// working directory up to the filesystem root, then the user's config
// directory, and returns their concatenated contents with project-level
// instructions taking precedence over user-level ones.
func LoadAgentInstructions() string {
	var instructions []string

	cwd, err := os.Getwd()
	if err == nil {
		dir := cwd
		for {
			path := filepath.Join(dir, "AGENTS.md")
			if content := readFileIfExists(path); content != "" {
				instructions = append(instructions, fmt.Sprintf("Instructions from: %s\n%s", path, content))
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if dataDir, err := config.DataDir(); err == nil {
		path := filepath.Join(dataDir, "AGENTS.md")
		if content := readFileIfExists(path); content != "" {
			instructions = append(instructions, fmt.Sprintf("Instructions from: %s\n%s", path, content))
		}
	}

	// Entries were collected cwd-outward, so reverse them: the outermost
	// (least specific) comes first, and the nearest AGENTS.md — the one
	// that should take precedence — ends up closest to the base prompt.
	for i, j := 0, len(instructions)-1; i < j; i, j = i+1, j-1 {
		instructions[i], instructions[j] = instructions[j], instructions[i]
	}

	return strings.Join(instructions, "\n\n")
}

func readFileIfExists(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
