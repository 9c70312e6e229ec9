// Package completion calls the external text-generation service.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HanTheDev/legal-research-gateway/internal/logging"
	"github.com/HanTheDev/legal-research-gateway/internal/models"
)

const (
	defaultMaxRetries = 2
	defaultBackoff    = 500 * time.Millisecond
	maxErrorBody      = 512
)

var ErrEmptyCompletion = errors.New("completion returned no text")

// StatusError is a non-2xx reply from the completion service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion service returned %d: %s", e.Code, e.Body)
}

type Result struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
}

type Client struct {
	url        string
	http       *http.Client
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRetry sets how many times a 5xx reply is retried and the base of the
// linear backoff between attempts.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(cl *Client) {
		cl.maxRetries = retries
		cl.backoff = backoff
	}
}

func NewClient(url string, timeout time.Duration, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		url: url,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:     logging.OrNop(logger).Named("completion"),
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	Prompt string      `json:"prompt"`
	Mode   models.Mode `json:"mode"`
}

// Complete sends prompt and returns the generated text. Server errors are
// retried; client errors and cancellation are returned immediately.
func (c *Client) Complete(ctx context.Context, prompt string, mode models.Mode) (Result, error) {
	body, err := json.Marshal(request{Prompt: prompt, Mode: mode})
	if err != nil {
		return Result{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying completion", zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}

		res, err := c.do(ctx, body)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var se *StatusError
		if ctx.Err() != nil || (errors.As(err, &se) && se.Code < 500) || errors.Is(err, ErrEmptyCompletion) {
			return Result{}, err
		}
	}
	c.logger.Error("completion failed after retries", zap.Int("attempts", c.maxRetries+1), zap.Error(lastErr))
	return Result{}, lastErr
}

func (c *Client) do(ctx context.Context, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		return Result{}, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	return decode(raw)
}

// decode accepts the native {"text","tokens_used"} shape as well as
// OpenAI-style completion and chat replies.
func decode(raw []byte) (Result, error) {
	var reply struct {
		Text       string `json:"text"`
		TokensUsed int    `json:"tokens_used"`
		Choices    []struct {
			Text    string `json:"text"`
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Result{}, fmt.Errorf("decode completion: %w", err)
	}

	res := Result{Text: reply.Text, TokensUsed: reply.TokensUsed}
	if res.Text == "" && len(reply.Choices) > 0 {
		res.Text = reply.Choices[0].Text
		if res.Text == "" {
			res.Text = reply.Choices[0].Message.Content
		}
	}
	if res.TokensUsed == 0 {
		res.TokensUsed = reply.Usage.TotalTokens
	}
	if res.Text == "" {
		return Result{}, ErrEmptyCompletion
	}
	return res, nil
}

// Pricing converts tokens to actual cost per mode.
type Pricing struct {
	FastPer1K     float64
	ThoroughPer1K float64
}

func (p Pricing) Cost(mode models.Mode, tokens int) float64 {
	rate := p.FastPer1K
	if mode == models.ModeThorough {
		rate = p.ThoroughPer1K
	}
	return float64(tokens) / 1000 * rate
}
