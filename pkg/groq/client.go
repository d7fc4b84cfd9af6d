package groq

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"github.com/rs/zerolog"
)

const (
	// DefaultAPIURL is the OpenAI-compatible chat completions endpoint.
	DefaultAPIURL = "https://api.groq.com/openai/v1/chat/completions"
	// DefaultModel is used when neither the request nor the config names one.
	DefaultModel = "openai/gpt-oss-20b"

	userAgent = "smart-book-gist/1.0"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the payload for a chat completion call. MaxTokens zero
// omits the field, leaving the limit to the API.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is the OpenAI-style completion response.
type ChatResponse struct {
	ID      string   `json:"id,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one completion candidate. Some API variants put the content
// under message, others under text.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	Text         string  `json:"text,omitempty"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Usage is the token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Config holds everything the client needs; nothing is read from the
// environment here. CABundlePath, when set, points at a PEM bundle that is
// trusted in addition to the system roots.
type Config struct {
	APIURL       string
	APIKey       string
	Model        string
	Timeout      time.Duration
	CABundlePath string
}

// Client calls the Groq chat completions API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient validates the config and builds the underlying HTTP client,
// including the custom trust bundle when one is configured.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("groq: API key is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.CABundlePath != "" {
		pool, err := trustPoolWithBundle(cfg.CABundlePath)
		if err != nil {
			return nil, err
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "GroqClient").Logger(),
	}, nil
}

// trustPoolWithBundle extends the system roots with the PEM certificates
// from path. Corporate TLS interception proxies need their root appended,
// not substituted.
func trustPoolWithBundle(path string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("groq: failed to read CA bundle %q: %w", path, err)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("groq: CA bundle %q contains no usable certificates", path)
	}
	return pool, nil
}

// BuildMessages wraps a user prompt with the standing system instruction.
func BuildMessages(prompt string) []Message {
	return []Message{
		{Role: "system", Content: "You are a concise, professional assistant."},
		{Role: "user", Content: prompt},
	}
}

// SendChat posts the request and decodes the completion. Rate limits and
// server-side failures classify as transient so callers can retry them;
// other API rejections are permanent.
func (c *Client) SendChat(ctx context.Context, chatReq ChatRequest) (*ChatResponse, error) {
	if chatReq.Model == "" {
		chatReq.Model = c.cfg.Model
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("groq: failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("groq: failed to build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &reconcile.TransientError{Err: fmt.Errorf("groq: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &reconcile.TransientError{Err: fmt.Errorf("groq: failed to read response body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("groq: API error: %d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), truncate(string(raw), 400))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &reconcile.TransientError{Err: apiErr}
		}
		return nil, apiErr
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return nil, fmt.Errorf("groq: failed to parse response as JSON: %w; raw: %s", err, truncate(string(raw), 400))
	}

	if chatResp.Usage != nil {
		c.logger.Debug().
			Str("model", chatReq.Model).
			Int("total_tokens", chatResp.Usage.TotalTokens).
			Msg("Chat completion returned.")
	}
	return &chatResp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
