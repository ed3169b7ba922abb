// Package llm talks to an OpenAI-compatible chat completions endpoint,
// either streaming the answer line by line or in a single response.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/fintrack/internal/config"
	"github.com/stellarlinkco/fintrack/internal/conversation"
	"github.com/tidwall/gjson"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"

	maxLineBytes  = 1 << 20
	maxErrorBytes = 64 << 10
)

// Options configures a Client. Zero timeouts fall back to the config
// defaults.
type Options struct {
	BaseURL        string
	APIKey         string
	Model          string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	HTTPClient     *http.Client
}

// Client sends chat requests to one endpoint. It is safe for concurrent use.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient builds a Client posting to BaseURL + "/chat/completions".
func NewClient(opts Options) *Client {
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = config.DefaultRequestTimeoutSec * time.Second
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = config.DefaultConnectTimeoutSec * time.Second
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSHandshakeTimeout: connectTimeout,
			},
		}
	}

	return &Client{
		endpoint:   strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/") + "/chat/completions",
		apiKey:     strings.TrimSpace(opts.APIKey),
		model:      opts.Model,
		httpClient: httpClient,
	}
}

// NewClientFromConfig builds a Client from the provider and advisor
// sections.
func NewClientFromConfig(cfg *config.Config) *Client {
	return NewClient(Options{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         cfg.Provider.APIKey,
		Model:          cfg.Advisor.Model,
		RequestTimeout: cfg.RequestTimeout(),
		ConnectTimeout: cfg.ConnectTimeout(),
	})
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []conversation.Message `json:"messages"`
	Stream   bool                   `json:"stream"`
}

// Complete sends messages with stream=false and returns the whole answer.
func (c *Client) Complete(ctx context.Context, messages []conversation.Message) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, rerr := c.do(ctx, messages, false)
	if rerr != nil {
		return failed(rerr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return failed(&Error{Kind: KindAPI, StatusCode: resp.StatusCode, Body: string(body)})
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return failed(classify(ctx, fmt.Errorf("read response: %w", err)))
	}

	if !gjson.ValidBytes(body) {
		return failed(&Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Body: string(body), Cause: errors.New("response is not valid json")})
	}
	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() || content.Type != gjson.String {
		return failed(&Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Body: string(body), Cause: errors.New("missing choices[0].message.content")})
	}
	return success(content.String())
}

// Stream sends messages with stream=true and calls onFragment for each
// content delta, in arrival order, on the calling goroutine. The returned
// Result carries the concatenated text.
func (c *Client) Stream(ctx context.Context, messages []conversation.Message, onFragment func(string)) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, rerr := c.do(ctx, messages, true)
	if rerr != nil {
		return failed(rerr)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return failed(&Error{Kind: KindAPI, StatusCode: resp.StatusCode, Body: string(body)})
	}

	var acc strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if payload == doneSentinel {
			break
		}

		fragment, ok, err := parseDelta(payload)
		if err != nil {
			log.Printf("[llm] skip stream line: %v (%s)", err, truncate(payload, 80))
			continue
		}
		if !ok {
			continue
		}
		acc.WriteString(fragment)
		if onFragment != nil {
			onFragment(fragment)
		}
	}

	if err := scanner.Err(); err != nil {
		res := failed(classify(ctx, fmt.Errorf("read stream: %w", err)))
		res.Partial = acc.String()
		return res
	}
	return success(acc.String())
}

// parseDelta extracts choices[0].delta.content from one stream event.
func parseDelta(payload string) (string, bool, error) {
	if !gjson.Valid(payload) {
		return "", false, errors.New("invalid json event")
	}
	content := gjson.Get(payload, "choices.0.delta.content")
	if !content.Exists() || content.Type != gjson.String {
		return "", false, nil
	}
	return content.String(), true, nil
}

func (c *Client) do(ctx context.Context, messages []conversation.Message, stream bool) (*http.Response, *Error) {
	if c.endpoint == "/chat/completions" {
		return nil, &Error{Kind: KindTransport, Cause: errors.New("missing base url")}
	}

	payload, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Stream: stream})
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Cause: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Cause: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("send request: %w", err))
	}
	return resp, nil
}

// classify maps a transport failure to a kind, treating caller
// cancellation separately from timeouts and network errors.
func classify(ctx context.Context, err error) *Error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return &Error{Kind: KindCanceled, Cause: err}
	}
	return &Error{Kind: KindTransport, Cause: err}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
