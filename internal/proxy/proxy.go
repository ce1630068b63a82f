// Package proxy orchestrates the round trip to CodeWhisperer: account
// resolution, request conversion, the upstream call with one authentication
// retry, and translation of the binary event stream back into Anthropic
// responses.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"kirogate/internal/anthropic"
	"kirogate/internal/codewhisperer"
	"kirogate/internal/config"
	"kirogate/internal/eventstream"
	"kirogate/internal/store"
	"kirogate/internal/token"
	"kirogate/internal/tokencount"
)

// ErrUnknownAPIKey is returned when neither the store nor the static
// configuration knows the presented key.
var ErrUnknownAPIKey = errors.New("unknown api key")

const acceptEventStream = "application/vnd.amazon.eventstream"

// Accounts is the slice of the store the orchestrator reads.
type Accounts interface {
	GetAccountByAPIKey(apiKey string) (*store.Account, error)
}

// Orchestrator drives one Anthropic request through CodeWhisperer.
type Orchestrator struct {
	cfg      *config.Config
	accounts Accounts
	tokens   *token.Manager
	client   *http.Client
}

// NewOrchestrator wires the orchestrator. The upstream client timeout is
// generous because non-streaming calls hold the connection for the full
// generation.
func NewOrchestrator(cfg *config.Config, accounts Accounts, tokens *token.Manager) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		accounts: accounts,
		tokens:   tokens,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

// ResolveAccount maps an API key to an account name: store accounts first,
// config-declared static accounts as fallback.
func (o *Orchestrator) ResolveAccount(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrUnknownAPIKey
	}
	account, err := o.accounts.GetAccountByAPIKey(apiKey)
	if err == nil {
		return account.Name, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if static := o.cfg.FindStaticAccount(apiKey); static != nil {
		return static.Name, nil
	}
	return "", ErrUnknownAPIKey
}

// EstimateInputTokens counts the system prompt plus every message's text.
func EstimateInputTokens(req *anthropic.Request) int {
	total := 0
	for _, text := range req.System.Texts() {
		total += tokencount.Count(text)
	}
	for _, msg := range req.Messages {
		total += tokencount.Count(msg.Content.PlainText())
	}
	return total
}

// call posts the converted request. A 401 or 403 forces one token refresh
// and one retry; the second response is returned as is.
func (o *Orchestrator) call(ctx context.Context, accountName string, cwReq *codewhisperer.Request) (*http.Response, error) {
	body, err := json.Marshal(cwReq)
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	do := func(accessToken string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.API.CodeWhispererURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build upstream request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", acceptEventStream)
		req.Header.Set("Authorization", "Bearer "+accessToken)
		return o.client.Do(req)
	}

	accessToken, err := o.tokens.AccessToken(ctx, accountName, false)
	if err != nil {
		return nil, err
	}
	resp, err := do(accessToken)
	if err != nil {
		return nil, fmt.Errorf("call upstream: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		log.Printf("[Proxy] upstream returned %d for %s, refreshing token", resp.StatusCode, accountName)

		accessToken, err = o.tokens.ForceRefresh(ctx, accountName)
		if err != nil {
			return nil, err
		}
		resp, err = do(accessToken)
		if err != nil {
			return nil, fmt.Errorf("call upstream after refresh: %w", err)
		}
	}
	return resp, nil
}

func (o *Orchestrator) buildRequest(ctx context.Context, accountName string, req *anthropic.Request) (*codewhisperer.Request, error) {
	if static := o.cfg.StaticAccountByName(accountName); static != nil && static.ProfileArn != "" {
		o.tokens.SetProfileArn(accountName, static.ProfileArn)
	}
	profileArn, err := o.tokens.ProfileArn(ctx, accountName)
	if err != nil {
		return nil, err
	}
	return codewhisperer.Convert(req, profileArn, o.cfg), nil
}

// Complete handles a non-streaming request: the whole upstream body is read
// and folded into one Anthropic response.
func (o *Orchestrator) Complete(ctx context.Context, accountName string, req *anthropic.Request) (*anthropic.Response, error) {
	cwReq, err := o.buildRequest(ctx, accountName, req)
	if err != nil {
		return nil, err
	}

	resp, err := o.call(ctx, accountName, cwReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, truncate(body, 512))
	}

	return Collect(body, req.Model, EstimateInputTokens(req)), nil
}

// Stream handles a streaming request. emit is called with each complete SSE
// event string; once the first event is emitted, failures degrade to an SSE
// error event rather than an error return.
func (o *Orchestrator) Stream(ctx context.Context, accountName string, req *anthropic.Request, emit func(string) error) error {
	cwReq, err := o.buildRequest(ctx, accountName, req)
	if err != nil {
		return o.emitError(emit, err)
	}

	resp, err := o.call(ctx, accountName, cwReq)
	if err != nil {
		return o.emitError(emit, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return o.emitError(emit, fmt.Errorf("upstream status %d: %s", resp.StatusCode, body))
	}

	translator := NewStreamTranslator(req.Model, EstimateInputTokens(req))
	scanner := eventstream.NewScanner()
	buf := make([]byte, 32*1024)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			scanner.Write(buf[:n])
			for {
				payload, ok := scanner.Next()
				if !ok {
					break
				}
				evt, ok := eventstream.ParseEvent(payload)
				if !ok {
					continue
				}
				for _, sse := range translator.Feed(evt) {
					if err := emit(sse); err != nil {
						return err
					}
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if ctx.Err() != nil {
				// The caller went away; there is nobody to tell.
				return ctx.Err()
			}
			// A truncated stream must not look like a clean completion:
			// close the open block and report the failure instead of the
			// terminal message events.
			log.Printf("[Proxy] upstream read failed for %s: %v", accountName, readErr)
			for _, sse := range translator.Abort() {
				if err := emit(sse); err != nil {
					return err
				}
			}
			return o.emitError(emit, fmt.Errorf("upstream stream interrupted: %w", readErr))
		}
	}

	for _, sse := range translator.Finish() {
		if err := emit(sse); err != nil {
			return err
		}
	}
	return nil
}

// emitError sends the failure as an SSE error event; the emit error (a gone
// client) wins if both fail.
func (o *Orchestrator) emitError(emit func(string) error, cause error) error {
	log.Printf("[Proxy] stream failed: %v", cause)
	sse := anthropic.FormatSSE("error", anthropic.ErrorEvent{
		Type:  "error",
		Error: anthropic.ErrorDetail{Type: "api_error", Message: cause.Error()},
	})
	return emit(sse)
}

// TestAccount performs a minimal round trip to verify the account's
// credentials work end to end and returns the model's reply.
func (o *Orchestrator) TestAccount(ctx context.Context, accountName string) (string, error) {
	req := &anthropic.Request{
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 16,
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.NewTextContent("Reply with OK")},
		},
	}
	resp, err := o.Complete(ctx, accountName, req)
	if err != nil {
		return "", err
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
