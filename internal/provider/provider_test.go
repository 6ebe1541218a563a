package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubFactory struct {
	name string
}

func (f *stubFactory) Name() string { return f.name }
func (f *stubFactory) Create(model string, opts Options) Provider {
	return &stubProvider{name: f.name}
}

type stubProvider struct{ name string }

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	return nil, nil
}
func (p *stubProvider) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{{Name: p.name + "-model"}}, nil
}
func (p *stubProvider) Close() error { return nil }

func TestRegistryCreateUnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("missing", "model", Options{})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestRegistryCreateAndList(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("a", &stubFactory{name: "a"})
	r.RegisterFactory("b", &stubFactory{name: "b"})

	names := r.List()
	if len(names) != 2 {
		t.Fatalf("expected 2 registered providers, got %d", len(names))
	}

	p, err := r.Create("a", "some-model", Options{Temperature: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "a" {
		t.Fatalf("expected provider named 'a', got %q", p.Name())
	}
}

func TestRegistryListAllModelsSkipsErroringProviders(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("good", &stubFactory{name: "good"})

	all := r.ListAllModels(context.Background(), Options{})
	if len(all) != 1 || all[0].ProviderName != "good" {
		t.Fatalf("unexpected result: %+v", all)
	}
}

func TestOllamaChatStreamParsesDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := NewOllamaWithTemp("ollama", server.URL, "test-model", 0.7)
	defer p.Close()

	ch, err := p.ChatStream(context.Background(), []Message{{Role: "user", Content: "hello"}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var gotContent string
	var gotDone bool
	for evt := range ch {
		switch evt.Type {
		case EventContentDelta:
			gotContent += evt.Content
		case EventDone:
			gotDone = true
		}
	}
	if gotContent != "hi" {
		t.Fatalf("expected content 'hi', got %q", gotContent)
	}
	if !gotDone {
		t.Fatal("expected EventDone")
	}
}

func TestVLLMChatStreamIncludesToolCallDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_file"}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":\"a.go\"}"}}]}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := NewVLLMWithTemp("vllm", server.URL, "test-model", "", Options{Temperature: 0.2})
	defer p.Close()

	ch, err := p.ChatStream(context.Background(), []Message{{Role: "user", Content: "read a.go"}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var sawBegin, sawDelta bool
	for evt := range ch {
		switch evt.Type {
		case EventToolCallBegin:
			sawBegin = evt.ToolCallName == "read_file"
		case EventToolCallDelta:
			sawDelta = evt.ToolCallArgs == `{"path":"a.go"}`
		}
	}
	if !sawBegin || !sawDelta {
		t.Fatalf("expected both tool call begin and delta events, got begin=%v delta=%v", sawBegin, sawDelta)
	}
}

func TestVLLMListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"model-a"},{"id":"model-b"}]}`)
	}))
	defer server.Close()

	p := NewVLLMWithTemp("vllm", server.URL, "unused", "", Options{})
	defer p.Close()

	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
}

func TestMergeSystemMessagesOpenAICombinesIntoOne(t *testing.T) {
	msgs := []Message{
		{Role: roleSystem, Content: "first"},
		{Role: roleSystem, Content: "second"},
		{Role: "user", Content: "hi"},
	}
	merged := mergeSystemMessagesOpenAI(toOpenAIMessages(msgs))
	if len(merged) != 2 {
		t.Fatalf("expected system messages merged into one, got %d messages", len(merged))
	}
	if merged[0].Role != roleSystem || merged[0].Content != "first\n\nsecond" {
		t.Fatalf("unexpected merged system message: %+v", merged[0])
	}
}
