package store

import (
	"path/filepath"
	"testing"

	"github.com/xonecas/agentcli/internal/conversation"
)

func openTestStore(t *testing.T) *SessionStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateSessionAndSessionExists(t *testing.T) {
	s := openTestStore(t)

	ok, err := s.SessionExists("sess-1")
	if err != nil || ok {
		t.Fatalf("expected miss before creation, got ok=%v err=%v", ok, err)
	}

	if err := s.CreateSession("sess-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ok, err = s.SessionExists("sess-1")
	if err != nil || !ok {
		t.Fatalf("expected hit after creation, got ok=%v err=%v", ok, err)
	}
}

func TestSaveAndLoadMessages(t *testing.T) {
	s := openTestStore(t)
	s.CreateSession("sess-1")

	s.SaveMessage("sess-1", SessionMessage{Role: "user", Content: "hello"})
	s.SaveMessage("sess-1", SessionMessage{Role: "assistant", Content: "hi there"})

	msgs, err := s.LoadMessages("sess-1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[1].Content != "hi there" {
		t.Errorf("got %+v", msgs)
	}
}

func TestLoadLastMessageReturnsMostRecent(t *testing.T) {
	s := openTestStore(t)
	s.CreateSession("sess-1")
	s.SaveMessage("sess-1", SessionMessage{Role: "user", Content: "first"})
	s.SaveMessage("sess-1", SessionMessage{Role: "assistant", Content: "second"})

	last, err := s.LoadLastMessage("sess-1")
	if err != nil {
		t.Fatalf("LoadLastMessage: %v", err)
	}
	if last.Content != "second" {
		t.Errorf("got %q", last.Content)
	}
}

func TestSaveMessageSyncReturnsRowID(t *testing.T) {
	s := openTestStore(t)
	s.CreateSession("sess-1")

	id1, err := s.SaveMessageSync("sess-1", SessionMessage{Role: "user", Content: "a"})
	if err != nil {
		t.Fatalf("SaveMessageSync: %v", err)
	}
	id2, err := s.SaveMessageSync("sess-1", SessionMessage{Role: "assistant", Content: "b"})
	if err != nil {
		t.Fatalf("SaveMessageSync: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("expected increasing row IDs, got %d then %d", id1, id2)
	}
}

func TestDeleteMessagesFromRemovesTailForRewind(t *testing.T) {
	s := openTestStore(t)
	s.CreateSession("sess-1")

	id1, _ := s.SaveMessageSync("sess-1", SessionMessage{Role: "user", Content: "a"})
	s.SaveMessageSync("sess-1", SessionMessage{Role: "assistant", Content: "b"})
	s.SaveMessageSync("sess-1", SessionMessage{Role: "user", Content: "c"})

	if err := s.DeleteMessagesFrom("sess-1", id1+1); err != nil {
		t.Fatalf("DeleteMessagesFrom: %v", err)
	}

	msgs, err := s.LoadMessages("sess-1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "a" {
		t.Fatalf("expected only the first message to remain, got %+v", msgs)
	}
}

func TestListSessionsOrdersByMostRecentUserMessage(t *testing.T) {
	s := openTestStore(t)
	s.CreateSession("older")
	s.CreateSession("newer")

	s.SaveMessage("older", SessionMessage{Role: "user", Content: "this is the older session's question"})
	s.SaveMessage("newer", SessionMessage{Role: "user", Content: "this is the newer session's question"})

	list, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if list[0].ID != "newer" {
		t.Errorf("expected newer session first, got %q", list[0].ID)
	}
}

func TestListSessionsTruncatesPreviewTo50Chars(t *testing.T) {
	s := openTestStore(t)
	s.CreateSession("sess-1")
	long := "this is a very long user message that definitely exceeds fifty characters in length"
	s.SaveMessage("sess-1", SessionMessage{Role: "user", Content: long})

	list, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 1 || len(list[0].Preview) != 50 {
		t.Fatalf("expected a 50-char preview, got %+v", list)
	}
}

func TestLatestSessionIDReturnsMostRecentUserMessageSession(t *testing.T) {
	s := openTestStore(t)
	s.CreateSession("a")
	s.CreateSession("b")
	s.SaveMessage("a", SessionMessage{Role: "user", Content: "first"})
	s.SaveMessage("b", SessionMessage{Role: "user", Content: "second"})

	id, err := s.LatestSessionID()
	if err != nil {
		t.Fatalf("LatestSessionID: %v", err)
	}
	if id != "b" {
		t.Errorf("got %q, want %q", id, "b")
	}
}

func TestLatestSessionIDErrorsWhenNoSessions(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LatestSessionID(); err == nil {
		t.Fatal("expected an error with no sessions")
	}
}

func TestToConversationRoundTripsToolCalls(t *testing.T) {
	msgs := []SessionMessage{{
		Role:      "assistant",
		Content:   "",
		ToolCalls: []byte(`[{"ID":"parsed_0","Name":"bash","Arguments":{"command":"ls"}}]`),
	}}
	conv := ToConversation(msgs)
	if len(conv) != 1 || len(conv[0].ToolCalls) != 1 {
		t.Fatalf("got %+v", conv)
	}
	if conv[0].ToolCalls[0].Name != "bash" {
		t.Errorf("got %+v", conv[0].ToolCalls[0])
	}
}

func TestFromConversationRoundTripsBackToSessionMessage(t *testing.T) {
	msgs := []conversation.Message{{
		Role:    "assistant",
		Content: "ok",
		ToolCalls: []conversation.ToolCall{
			{ID: "parsed_0", Name: "grep", Arguments: []byte(`{"pattern":"x"}`)},
		},
	}}
	sms := FromConversation(msgs)
	if len(sms) != 1 {
		t.Fatalf("got %+v", sms)
	}

	back := ToConversation(sms)
	if len(back) != 1 || len(back[0].ToolCalls) != 1 || back[0].ToolCalls[0].Name != "grep" {
		t.Fatalf("round trip broke: %+v", back)
	}
}

func TestIsSQLiteBusyDetectsLockedDatabase(t *testing.T) {
	if IsSQLiteBusy(nil) {
		t.Error("nil error should not be busy")
	}
	if !IsSQLiteBusy(&testLockedError{}) {
		t.Error("expected a \"database is locked\" error to be detected as busy")
	}
}

type testLockedError struct{}

func (testLockedError) Error() string { return "database is locked" }
