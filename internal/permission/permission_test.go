package permission

import (
	"encoding/json"
	"testing"
)

func TestParsePattern(t *testing.T) {
	tests := []struct {
		in       string
		wantOK   bool
		wantTool string
		wantGlob string
	}{
		{"Bash(rm -rf *)", true, "Bash", "rm -rf *"},
		{"Read(**)", true, "Read", "**"},
		{"NoParens", false, "", ""},
		{"Missing(", false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, ok := ParsePattern(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("ParsePattern(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if p.toolName != tt.wantTool || p.glob != tt.wantGlob {
				t.Fatalf("ParsePattern(%q) = %+v", tt.in, p)
			}
		})
	}
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "sub/main.go", false},
		{"**/*.go", "sub/main.go", true},
		{"**", "anything/at/all", true},
		{"rm -rf *", "rm -rf /tmp/x", false},
		{"rm -rf *", "rm -rf /tmp/x/y", false},
		{"read?.txt", "read1.txt", true},
		{"read?.txt", "read12.txt", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.s, func(t *testing.T) {
			if got := globMatch(tt.pattern, tt.s); got != tt.want {
				t.Errorf("globMatch(%q, %q) = %v, want %v", tt.pattern, tt.s, got, tt.want)
			}
		})
	}
}

type fixedPrompter struct{ outcome ApprovalOutcome }

func (f fixedPrompter) Prompt(ApprovalRequest) ApprovalOutcome { return f.outcome }

func mustArgs(t *testing.T, m map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestEngineDenyWinsOverAutoApproveAll(t *testing.T) {
	cfg := Config{
		AutoApproveAll: true,
		Deny:           []string{"Bash(rm -rf *)"},
	}
	e := New(cfg, nil)
	args := mustArgs(t, map[string]any{"command": "rm -rf /tmp/x"})
	if got := e.Check("bash", Dangerous, args); got != Deny {
		t.Fatalf("expected Deny, got %v", got)
	}
}

func TestEngineAutoApproveReadOnly(t *testing.T) {
	e := New(Config{AutoApproveReadOnly: true}, nil)
	if got := e.Check("read_file", ReadOnly, nil); got != Allow {
		t.Fatalf("expected Allow, got %v", got)
	}
	if got := e.Check("bash", Dangerous, nil); got != Deny {
		t.Fatalf("expected Deny (no prompter), got %v", got)
	}
}

func TestEngineApproveAllPersistsInSession(t *testing.T) {
	e := New(Config{}, fixedPrompter{outcome: ApproveAll})
	if got := e.Check("bash", Dangerous, nil); got != Allow {
		t.Fatalf("first call: expected Allow, got %v", got)
	}
	e.prompter = fixedPrompter{outcome: Denied} // subsequent prompts would deny
	if got := e.Check("bash", Dangerous, nil); got != Allow {
		t.Fatalf("second call: expected session-cached Allow, got %v", got)
	}
}

func TestEngineDisabledToolAlwaysDenied(t *testing.T) {
	e := New(Config{Disabled: []string{"bash"}, AutoApproveAll: true}, nil)
	if got := e.Check("Bash", Dangerous, nil); got != Deny {
		t.Fatalf("expected Deny, got %v", got)
	}
}

func TestEngineResetSession(t *testing.T) {
	e := New(Config{}, fixedPrompter{outcome: ApproveAll})
	e.Check("bash", Dangerous, nil)
	e.ResetSession()
	e.prompter = fixedPrompter{outcome: Denied}
	if got := e.Check("bash", Dangerous, nil); got != Deny {
		t.Fatalf("expected Deny after reset, got %v", got)
	}
}
