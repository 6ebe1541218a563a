package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// maxTokensLadder is stepped down through when a backend rejects a probed
// max_tokens value without naming an exact ceiling in its error body.
var maxTokensLadder = []int{32768, 16384, 8192, 4096}

var maxTokensLimitPattern = regexp.MustCompile("(?i)max_tokens must be less than or equal to `?([0-9]+)`?")

// negotiateMaxTokens probes baseURL's chat-completions endpoint with a
// minimal, non-streaming request to discover the largest max_tokens value it
// accepts. It tries 32768 first; a 400 response naming an exact ceiling
// ("max_tokens must be less than or equal to N") is adopted directly,
// otherwise it steps down maxTokensLadder until one is accepted. Returns 0
// (leave max_tokens unset) if every rung is rejected or the probe itself
// fails — negotiation is best-effort and must never block a turn.
func negotiateMaxTokens(ctx context.Context, client *http.Client, baseURL, providerName, model string, headers map[string]string) int {
	for _, candidate := range maxTokensLadder {
		ok, limit, err := probeMaxTokens(ctx, client, baseURL, model, headers, candidate)
		if err != nil {
			log.Warn().Err(err).Str("provider", providerName).Str("model", model).Msg("max_tokens negotiation probe failed, leaving unset")
			return 0
		}
		if ok {
			log.Info().Str("provider", providerName).Str("model", model).Int("max_tokens", candidate).Msg("max_tokens negotiated")
			return candidate
		}
		if limit > 0 {
			log.Info().Str("provider", providerName).Str("model", model).Int("max_tokens", limit).Msg("max_tokens negotiated from backend-named ceiling")
			return limit
		}
	}
	log.Warn().Str("provider", providerName).Str("model", model).Msg("max_tokens negotiation exhausted the ladder, leaving unset")
	return 0
}

// probeMaxTokens issues one minimal chat completion request solely to learn
// whether maxTokens is accepted. ok reports acceptance; limit, when
// positive, is the exact ceiling a 400 response named.
func probeMaxTokens(ctx context.Context, client *http.Client, baseURL, model string, headers map[string]string, maxTokens int) (ok bool, limit int, err error) {
	req := vllmChatRequest{
		Model:     model,
		Messages:  []openai.ChatCompletionMessage{{Role: "user", Content: "ping"}},
		MaxTokens: maxTokens,
		Stream:    false,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return false, 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return false, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return true, 0, nil
	}

	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusBadRequest {
		if m := maxTokensLimitPattern.FindSubmatch(payload); m != nil {
			if n, convErr := strconv.Atoi(string(m[1])); convErr == nil {
				return false, n, nil
			}
		}
	}
	return false, 0, nil
}
