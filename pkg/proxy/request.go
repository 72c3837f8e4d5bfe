package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/arkadas/chaton2api/pkg/config"
	"github.com/arkadas/chaton2api/pkg/upstream"
)

// ErrEmptyContent means every inbound message flattened to nothing, so there
// is no point contacting the upstream.
var ErrEmptyContent = errors.New("all message contents are empty")

const (
	defaultTemperature = 0.6
	defaultTopP        = 0.9
	defaultMaxTokens   = 8000
)

// normalizedRequest is a chat request after flattening, ready to be turned
// into an upstream envelope.
type normalizedRequest struct {
	Model     string
	Stream    bool
	HasImages bool
	envelope  upstream.Envelope
}

// imagePersister stores an inline data: upload and returns a fetchable URL.
// Plain http(s) image URLs pass through untouched.
type imagePersister interface {
	SaveDataURL(dataURL string) (string, error)
}

// normalizeChatRequest flattens an OpenAI chat request into the upstream
// envelope shape. Multipart content is joined into one string, inline images
// are persisted and re-attached as an images field, and messages left with
// neither text nor images are pruned.
func normalizeChatRequest(body []byte, cfg *config.ServerConfig, store imagePersister) (*normalizedRequest, error) {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse chat request: %w", err)
	}

	// Sampling fields are decoded again with pointer types: an explicit
	// zero must be forwarded as zero, only an absent key gets the default.
	var sampling struct {
		Temperature *float64 `json:"temperature"`
		TopP        *float64 `json:"top_p"`
		MaxTokens   *int     `json:"max_tokens"`
	}
	if err := json.Unmarshal(body, &sampling); err != nil {
		return nil, fmt.Errorf("parse chat request: %w", err)
	}

	hasImages := false
	messages := make([]upstream.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		out := upstream.Message{Role: m.Role}

		if len(m.MultiContent) > 0 {
			var texts []string
			for _, part := range m.MultiContent {
				switch part.Type {
				case openai.ChatMessagePartTypeText:
					if t := strings.TrimSpace(part.Text); t != "" {
						texts = append(texts, t)
					}
				case openai.ChatMessagePartTypeImageURL:
					if part.ImageURL == nil {
						continue
					}
					url := part.ImageURL.URL
					if strings.HasPrefix(url, "data:") {
						saved, err := store.SaveDataURL(url)
						if err != nil {
							return nil, fmt.Errorf("persist inline image: %w", err)
						}
						url = saved
					}
					out.Images = append(out.Images, upstream.ImageData{Data: url})
				}
			}
			out.Content = strings.Join(texts, " ")
		} else {
			out.Content = strings.TrimSpace(m.Content)
		}

		if out.Content == "" && len(out.Images) == 0 {
			continue
		}
		if len(out.Images) > 0 {
			hasImages = true
		}
		messages = append(messages, out)
	}
	if len(messages) == 0 {
		return nil, ErrEmptyContent
	}

	model := cfg.ResolveModel(req.Model)
	source := cfg.SourceTag()
	if hasImages {
		source = upstream.SourceImageUpload
	}

	temperature := defaultTemperature
	if sampling.Temperature != nil {
		temperature = *sampling.Temperature
	}
	topP := defaultTopP
	if sampling.TopP != nil {
		topP = *sampling.TopP
	}
	maxTokens := defaultMaxTokens
	if sampling.MaxTokens != nil {
		maxTokens = *sampling.MaxTokens
	}

	return &normalizedRequest{
		Model:     model,
		Stream:    req.Stream,
		HasImages: hasImages,
		envelope: upstream.Envelope{
			FunctionImageGen:  false,
			FunctionWebSearch: true,
			MaxTokens:         maxTokens,
			Messages:          messages,
			Model:             model,
			Source:            source,
			Temperature:       &temperature,
			TopP:              &topP,
		},
	}, nil
}

func (n *normalizedRequest) payload() ([]byte, error) {
	return json.Marshal(n.envelope)
}
