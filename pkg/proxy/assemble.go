package proxy

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/arkadas/chaton2api/pkg/reframe"
)

// promptTokenEstimate stands in for a real tokenizer count. The upstream
// reports no usage, so completion tokens are estimated from output length and
// prompt tokens are a fixed placeholder.
const promptTokenEstimate = 16

func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// assembleChatCompletion builds the non-streaming completion envelope from an
// accumulated upstream stream. Vision image URLs become trailing bracketed
// lines after the text.
func assembleChatCompletion(model string, collected reframe.Collected) openai.ChatCompletionResponse {
	content := collected.Text
	for _, url := range collected.ImageURLs {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[Image at %s]", url)
	}

	completionTokens := utf8.RuneCountInString(content)
	return openai.ChatCompletionResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
				FinishReason: openai.FinishReasonStop,
			},
		},
		Usage: openai.Usage{
			PromptTokens:     promptTokenEstimate,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokenEstimate + completionTokens,
		},
		SystemFingerprint: reframe.Fingerprint(),
	}
}

// assembleImageURLs builds an image-generations response carrying URLs.
func assembleImageURLs(urls []string) openai.ImageResponse {
	data := make([]openai.ImageResponseDataInner, 0, len(urls))
	for _, url := range urls {
		data = append(data, openai.ImageResponseDataInner{URL: url})
	}
	return openai.ImageResponse{Created: time.Now().Unix(), Data: data}
}

// assembleImageB64 builds an image-generations response carrying base64
// payloads.
func assembleImageB64(encoded []string) openai.ImageResponse {
	data := make([]openai.ImageResponseDataInner, 0, len(encoded))
	for _, b64 := range encoded {
		data = append(data, openai.ImageResponseDataInner{B64JSON: b64})
	}
	return openai.ImageResponse{Created: time.Now().Unix(), Data: data}
}
