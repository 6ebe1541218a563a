package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentcli/internal/agent"
	"github.com/xonecas/agentcli/internal/config"
	"github.com/xonecas/agentcli/internal/conversation"
	"github.com/xonecas/agentcli/internal/hooks"
	"github.com/xonecas/agentcli/internal/permission"
	"github.com/xonecas/agentcli/internal/provider"
	"github.com/xonecas/agentcli/internal/tools/builtin"
)

// Run is the core entrypoint: flag parsing, config/credential loading,
// provider/tool/session-store construction, then the read-eval loop. It
// never calls os.Exit directly so it stays testable against fake
// stdin/stdout/stderr.
func Run(args []string, stdin io.Reader, stdout, stderr io.Writer, env []string) int {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(stderr, "Warning: failed to setup logging: %v\n", err)
	}

	fs := flag.NewFlagSet("agentcli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	flagSession := fs.String("s", "", "resume a session by ID")
	flagList := fs.Bool("l", false, "list sessions")
	flagContinue := fs.Bool("c", false, "continue most recent session")
	fs.StringVar(flagSession, "session", "", "resume a session by ID")
	fs.BoolVar(flagList, "list", false, "list sessions")
	fs.BoolVar(flagContinue, "continue", false, "continue most recent session")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil && configPath != dataDirPath {
			if _, err := os.Stat(configPath); err != nil {
				configPath = dataDirPath
			}
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading credentials: %v\n", err)
		return 1
	}

	registry := buildRegistry(cfg, creds)
	providerName, providerCfg := resolveProvider(cfg, registry, stderr)
	if providerName == "" {
		return 1
	}

	prov, err := registry.Create(providerName, providerCfg.Model, provider.Options{
		Temperature: providerCfg.Temperature,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating provider: %v\n", err)
		return 1
	}
	defer prov.Close()

	ctx := context.Background()
	svc, err := setupServices(ctx, cfg, env)
	if err != nil {
		fmt.Fprintf(stderr, "Error setting up services: %v\n", err)
		return 1
	}
	defer svc.Close()

	if *flagList {
		listSessions(stdout, svc.sessions)
		return 0
	}

	sessionID, history := resolveSession(*flagSession, *flagContinue, svc.sessions, stderr)
	if sessionID == "" {
		return 1
	}

	contextWindow := providerCfg.ContextWindow
	if contextWindow <= 0 {
		contextWindow = config.DefaultContextWindow
	}
	conv := conversation.New(contextWindow)
	conv.SetSystemPrompt(agent.BuildSystemPrompt())
	for _, m := range history {
		replayMessage(conv, m)
	}

	builtin.Register(svc.registry, svc.shell, svc.checkpoint, sessionID, func(chunk string) {
		fmt.Fprint(stdout, chunk)
	})
	registerUpstreamTools(ctx, svc, stderr)

	permEngine := permission.New(permission.Config{
		Disabled:            cfg.Permission.Disabled,
		Deny:                cfg.Permission.Deny,
		Allow:               cfg.Permission.Allow,
		AutoApproveAll:      cfg.Permission.AutoApproveAll,
		AlwaysApprove:       cfg.Permission.AlwaysApprove,
		AutoApproveReadOnly: cfg.Permission.AutoApproveReadOnly,
		AutoApproveModerate: cfg.Permission.AutoApproveModerate,
	}, &stdioPrompter{in: bufio.NewReader(stdin), out: stdout})

	hooksCfg := hooks.Config{Pre: cfg.Hooks.Pre, Post: cfg.Hooks.Post}
	hooksEngine := hooks.New(hooksCfg, svc.shell.Env())

	dispatcher := &agent.Dispatcher{
		Registry:   svc.registry,
		Permission: permEngine,
		Hooks:      hooksEngine,
		Checkpoint: svc.checkpoint,
		SessionID:  sessionID,
	}

	loop := &agent.Loop{
		Provider:   prov,
		Registry:   svc.registry,
		Dispatcher: dispatcher,
		OnDelta:    func(delta string) { fmt.Fprint(stdout, delta) },
	}

	runREPL(ctx, stdin, stdout, stderr, loop, conv, svc.sessions, sessionID)
	return 0
}

func buildRegistry(cfg *config.Config, creds *config.Credentials) *provider.Registry {
	registry := provider.NewRegistry()
	for name, pc := range cfg.Providers {
		switch strings.ToLower(pc.Backend) {
		case "vllm":
			registry.RegisterFactory(name, provider.NewVLLMFactory(name, pc.Endpoint, creds.GetAPIKey(name)))
		default:
			registry.RegisterFactory(name, provider.NewOllamaFactory(name, pc.Endpoint))
		}
	}
	return registry
}

func resolveProvider(cfg *config.Config, registry *provider.Registry, stderr io.Writer) (string, config.ProviderConfig) {
	name := cfg.DefaultProvider
	if name == "" {
		providers := registry.List()
		if len(providers) == 0 {
			fmt.Fprintln(stderr, "Error: no providers configured")
			return "", config.ProviderConfig{}
		}
		name = providers[0]
	}
	pcfg, ok := cfg.Providers[name]
	if !ok {
		fmt.Fprintf(stderr, "Error: provider %q not found\n", name)
		return "", config.ProviderConfig{}
	}
	return name, pcfg
}

func replayMessage(conv *conversation.Conversation, m conversation.Message) {
	switch m.Role {
	case "user":
		conv.AppendUser(m.Content)
	case "assistant":
		conv.AppendAssistant(m.Content, m.Reasoning, m.ToolCalls)
	case "tool":
		conv.AppendToolResult(m.ToolCallID, m.Content, strings.HasPrefix(m.Content, "ERROR: "))
	}
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "agentcli.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}
