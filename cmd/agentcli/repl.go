package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentcli/internal/agent"
	"github.com/xonecas/agentcli/internal/conversation"
	"github.com/xonecas/agentcli/internal/provider"
	"github.com/xonecas/agentcli/internal/store"
)

// providerSummarizer implements conversation.Summarizer against a live
// provider.Provider, called only during compaction (§4.6). The request
// carries no temperature or max_tokens override, so the provider's own
// settings apply; this reuses the same Provider the main loop drives rather than opening
// a second connection.
type providerSummarizer struct {
	prov provider.Provider
}

func (s *providerSummarizer) Summarize(ctx context.Context, prefix []conversation.Message) (string, error) {
	messages := make([]provider.Message, 0, len(prefix)+1)
	messages = append(messages, provider.Message{
		Role:    "system",
		Content: "Summarize the following conversation in one paragraph, preserving any decisions, file paths, and pending tasks.",
	})
	for _, m := range prefix {
		messages = append(messages, provider.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID})
	}

	events, err := s.prov.ChatStream(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for ev := range events {
		switch ev.Type {
		case provider.EventContentDelta:
			sb.WriteString(ev.Content)
		case provider.EventError:
			return "", ev.Err
		}
	}
	return sb.String(), nil
}

// runREPL reads one prompt per line from stdin and drives it through the
// agent loop until stdin closes. It is deliberately line-oriented per §1's
// Non-goals — no input editor widget, no spinners.
func runREPL(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, loop *agent.Loop, conv *conversation.Conversation, sessions *store.SessionStore, sessionID string) {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	summarizer := &providerSummarizer{prov: loop.Provider}
	saved := 0

	fmt.Fprintf(stdout, "session %s — type your request, Ctrl-D to exit\n", sessionID)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if conv.ShouldCompact() {
			if err := conv.Compact(ctx, summarizer); err != nil {
				log.Warn().Err(err).Msg("compaction failed; continuing uncompacted")
			} else {
				saved = 0 // the compacted prefix replaced everything already persisted
			}
		}

		conv.AppendUser(line)
		result := loop.RunUntilQuiet(ctx, conv)
		fmt.Fprintln(stdout)
		if result.Err != nil {
			fmt.Fprintf(stderr, "error: %v\n", result.Err)
		}

		if sessions != nil {
			all := conv.Messages()
			if saved < len(all) {
				if err := sessions.SaveMessages(sessionID, store.FromConversation(all[saved:])); err != nil {
					log.Warn().Err(err).Msg("failed to persist turn")
				}
				saved = len(all)
			}
		}
	}
}
