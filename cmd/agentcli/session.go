package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentcli/internal/conversation"
	"github.com/xonecas/agentcli/internal/store"
)

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Warn().Err(err).Msg("failed to read random bytes for session id")
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// resolveSession implements the -s/-c/default precedence from §6's CLI
// surface: resume a named session, continue the most recent one, or start
// a fresh one. Returns "" on a fatal resolution error (already reported to
// stderr), matching the sentinel-empty-string convention Run checks for.
func resolveSession(flagSession string, flagContinue bool, db *store.SessionStore, stderr io.Writer) (string, []conversation.Message) {
	switch {
	case flagSession != "":
		ok, err := db.SessionExists(flagSession)
		if err != nil || !ok {
			fmt.Fprintf(stderr, "Session %q not found\n", flagSession)
			return "", nil
		}
		return flagSession, loadHistory(flagSession, db, stderr)

	case flagContinue:
		id, err := db.LatestSessionID()
		if err != nil {
			fmt.Fprintf(stderr, "No sessions to continue: %v\n", err)
			return "", nil
		}
		return id, loadHistory(id, db, stderr)

	default:
		sid := newSessionID()
		if err := db.CreateSession(sid); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to create session: %v\n", err)
		}
		return sid, nil
	}
}

func loadHistory(sessionID string, db *store.SessionStore, stderr io.Writer) []conversation.Message {
	stored, err := db.LoadMessages(sessionID)
	if err != nil {
		fmt.Fprintf(stderr, "Warning: failed to load session history: %v\n", err)
		return nil
	}
	return store.ToConversation(stored)
}

func listSessions(out io.Writer, db *store.SessionStore) {
	sessions, err := db.ListSessions()
	if err != nil {
		fmt.Fprintf(out, "Error listing sessions: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found")
		return
	}
	for _, s := range sessions {
		ts := s.Timestamp.Format("2006-01-02 15:04")
		preview := strings.ReplaceAll(s.Preview, "\n", " ")
		fmt.Fprintf(out, "%s  %s  %s\n", s.ID, ts, preview)
	}
}
