// Package imagegen satisfies an N-image request against an upstream that
// yields at most one image per call, with unreliable yield. Failed attempts
// are retried up to a hard ceiling of 2*N upstream calls in total.
package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	log "github.com/charmbracelet/log"

	"github.com/arkadas/chaton2api/pkg/config"
	"github.com/arkadas/chaton2api/pkg/reframe"
	"github.com/arkadas/chaton2api/pkg/upstream"
)

// ErrExhausted is returned when the attempt budget ran out before enough
// images were collected.
var ErrExhausted = errors.New("image generation attempts exhausted")

const (
	generationModel  = "gpt-4o"
	systemPrompt     = "You are a helpful artist, please draw a picture. Based on imagination, draw a picture with user message."
	userPromptPrefix = "Draw: "
)

// Controller orchestrates bounded fan-out generation rounds.
type Controller struct {
	client *upstream.Client
	cfg    config.ImagesConfig
	log    *log.Logger

	// attempt runs one full generation pipeline and returns a download URL.
	// Overridable in tests.
	attempt func(ctx context.Context, prompt string) (string, error)
}

func NewController(client *upstream.Client, cfg config.ImagesConfig, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	c := &Controller{client: client, cfg: cfg, log: logger}
	c.attempt = c.generateOnce
	return c
}

// Generate collects n download URLs, issuing at most 2*n upstream calls.
// Collected URLs are never deduplicated: the upstream produces a distinct
// artifact per call, so repeats count toward the quota.
func (c *Controller) Generate(ctx context.Context, prompt string, n int) ([]string, error) {
	if n <= 0 {
		n = 1
	}
	maxAttempts := 2 * n

	var (
		mu        sync.Mutex
		collected []string
	)
	attemptsUsed := 0

	for attemptsUsed < maxAttempts {
		mu.Lock()
		needed := n - len(collected)
		mu.Unlock()
		if needed <= 0 {
			break
		}
		if remaining := maxAttempts - attemptsUsed; needed > remaining {
			needed = remaining
		}

		c.log.Debug("generation round", "needed", needed, "attempts_used", attemptsUsed, "max_attempts", maxAttempts)

		var wg sync.WaitGroup
		for i := 0; i < needed; i++ {
			attemptsUsed++
			wg.Add(1)
			go func() {
				defer wg.Done()
				url, err := c.attempt(ctx, prompt)
				if err != nil {
					c.log.Warn("generation attempt failed", "error", err)
					return
				}
				mu.Lock()
				if len(collected) < n {
					collected = append(collected, url)
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
	}

	if len(collected) < n {
		return collected, ErrExhausted
	}
	return collected, nil
}

// generateOnce runs the full single-image pipeline: envelope, credentialed
// streaming call, markdown accumulation, link extraction, storage lookup.
func (c *Controller) generateOnce(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(c.buildEnvelope(prompt))
	if err != nil {
		return "", err
	}

	body, err := c.client.Stream(ctx, payload)
	if err != nil {
		return "", err
	}
	defer body.Close()

	framer := &reframe.Framer{FallbackModel: generationModel, Log: c.log}
	markdown, err := framer.CollectMarkdown(body)
	if err != nil {
		return "", err
	}
	if markdown == "" {
		return "", errors.New("empty markdown from generation stream")
	}

	key, err := reframe.ExtractImagePath(markdown)
	if err != nil {
		return "", err
	}
	return c.client.ResolveStorage(ctx, key)
}

func (c *Controller) buildEnvelope(prompt string) upstream.Envelope {
	return upstream.Envelope{
		FunctionImageGen:  true,
		FunctionWebSearch: true,
		ImageAspectRatio:  c.cfg.AspectRatio,
		ImageStyle:        c.cfg.Style,
		MaxTokens:         8000,
		Messages: []upstream.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPromptPrefix + prompt},
		},
		Model:  generationModel,
		Source: upstream.SourceProImage,
	}
}

// Backfill pads results to n entries by cyclically repeating what was
// collected. This duplicates artifacts on partial success, which is
// surprising but load-bearing: clients that requested n entries reject
// shorter arrays. Never invents new content.
func Backfill(urls []string, n int) []string {
	if len(urls) == 0 || len(urls) >= n {
		return urls
	}
	out := make([]string, 0, n)
	out = append(out, urls...)
	for i := 0; len(out) < n; i++ {
		out = append(out, urls[i%len(urls)])
	}
	return out
}
