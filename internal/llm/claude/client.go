// Package claude is the Anthropic-backed AI collaborator: case analysis for
// the triage stage and diagnosis/recovery advice for the pipeline.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/linnemanlabs/go-core/log"
	"github.com/sony/gobreaker/v2"

	"github.com/linnemanlabs/warden/internal/pipeline"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

const defaultMaxTokens = 1024

// Breaker defaults.
const (
	defaultMaxFailures uint32 = 5
	defaultOpenTimeout        = 30 * time.Second
	defaultInterval           = 60 * time.Second
)

// CompleteFunc sends one system+user prompt and returns the text reply.
type CompleteFunc func(ctx context.Context, system, prompt string) (string, error)

// BreakerConfig tunes the circuit breaker guarding the API.
type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
	Interval    time.Duration
}

// Client routes every completion through a circuit breaker so a failing API
// fails fast instead of holding stage attempts until their deadline.
type Client struct {
	complete CompleteFunc
	breaker  *gobreaker.CircuitBreaker[string]
	logger   log.Logger
}

// New creates a client backed by the Anthropic Messages API.
func New(apiKey, model string, bc BreakerConfig, logger log.Logger) *Client {
	if model == "" {
		model = DefaultModel
	}
	sdk := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewWithCompleter(sdkCompleter(&sdk, model), bc, logger)
}

// NewWithCompleter creates a client over an arbitrary completion function.
func NewWithCompleter(fn CompleteFunc, bc BreakerConfig, logger log.Logger) *Client {
	if bc.MaxFailures == 0 {
		bc.MaxFailures = defaultMaxFailures
	}
	if bc.OpenTimeout == 0 {
		bc.OpenTimeout = defaultOpenTimeout
	}
	if bc.Interval == 0 {
		bc.Interval = defaultInterval
	}

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "claude",
		MaxRequests: 1,
		Interval:    bc.Interval,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// caller cancellation says nothing about API health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Client{complete: fn, breaker: cb, logger: logger}
}

// State returns the breaker state.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

func (c *Client) send(ctx context.Context, op, system, prompt string) (string, error) {
	text, err := c.breaker.Execute(func() (string, error) {
		return c.complete(ctx, system, prompt)
	})
	if err == nil {
		return text, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", pipeline.Transient(op, fmt.Errorf("claude circuit open: %w", err))
	}
	if retryable(err) {
		return "", pipeline.Transient(op, err)
	}
	return "", fmt.Errorf("%s: %w", op, err)
}

// retryable reports whether err is worth another attempt: rate limiting,
// server faults, deadlines and anything that never reached the API.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return !errors.Is(err, context.Canceled)
	}
	return apiErr.StatusCode == http.StatusTooManyRequests ||
		apiErr.StatusCode == http.StatusRequestTimeout ||
		apiErr.StatusCode >= http.StatusInternalServerError
}

func sdkCompleter(sdk *anthropic.Client, model string) CompleteFunc {
	return func(ctx context.Context, system, prompt string) (string, error) {
		msg, err := sdk.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: defaultMaxTokens,
			System:    []anthropic.TextBlockParam{{Text: system}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return "", err
		}
		return textOf(msg), nil
	}
}

func textOf(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(block.Text)
	}
	return b.String()
}
