// Package reframe normalizes the upstream's SSE stream into the
// OpenAI-compatible wire shape. The upstream protocol is only partially
// documented, so every payload is treated as a loose key lookup: unknown
// fields are ignored, missing fields are defaulted, and anything that fails
// to parse is skipped rather than treated as fatal.
package reframe

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	// internalURLPrefix shows up in generated image markdown and has to be
	// stripped before the storage lookup.
	internalURLPrefix = "https://spc.unk/"
)

var imageLinkRe = regexp.MustCompile(`!\[.*?\]\((.*?)\)`)

// Framer converts upstream SSE lines into normalized output. It is a
// sequential single-pass consumer; one Framer call handles one stream.
type Framer struct {
	// FallbackModel stamps synthesized events when the upstream omits one.
	FallbackModel string
	Log           *log.Logger
}

// Collected is the result of draining a stream in batch mode.
type Collected struct {
	Text      string
	ImageURLs []string
}

func (f *Framer) logger() *log.Logger {
	if f.Log != nil {
		return f.Log
	}
	return log.Default()
}

// Pipe reads upstream SSE lines from r and writes normalized SSE lines to w,
// flushing after every event. A failed write aborts re-framing: the client is
// gone and there is nothing useful left to do with the stream.
func (f *Framer) Pipe(r io.Reader, w io.Writer) error {
	flusher, _ := w.(http.Flusher)
	emit := func(chunk openai.ChatCompletionStreamResponse) error {
		b, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	scanner := newLineScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		data := strings.TrimSpace(line[len(dataPrefix):])
		if data == doneSentinel {
			if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			break
		}

		evt, ok := f.parse(data)
		if !ok || shouldDrop(evt) {
			continue
		}

		if urls, ok := webSources(evt); ok {
			chunk := f.newChunk(evt, "\n"+strings.Join(urls, "\n\n")+"\n", 0)
			if err := emit(chunk); err != nil {
				return err
			}
			continue
		}

		for i, delta := range deltas(evt) {
			if content, ok := delta["content"].(string); ok && content != "" {
				if err := emit(f.newChunk(evt, content, i)); err != nil {
					return err
				}
			}
			for _, url := range deltaImageURLs(delta) {
				if err := emit(f.newChunk(evt, fmt.Sprintf("[Image at %s]", url), i)); err != nil {
					return err
				}
			}
		}
	}
	return scanner.Err()
}

// Collect drains the stream in batch mode, accumulating content text and any
// vision image URLs until the terminal sentinel.
func (f *Framer) Collect(r io.Reader) (Collected, error) {
	var out Collected
	var text strings.Builder

	scanner := newLineScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		data := strings.TrimSpace(line[len(dataPrefix):])
		if data == doneSentinel {
			break
		}
		evt, ok := f.parse(data)
		if !ok || shouldDrop(evt) {
			continue
		}
		for _, delta := range deltas(evt) {
			if content, ok := delta["content"].(string); ok {
				text.WriteString(content)
			}
			out.ImageURLs = append(out.ImageURLs, deltaImageURLs(delta)...)
		}
	}
	if err := scanner.Err(); err != nil {
		return Collected{}, err
	}
	out.Text = text.String()
	return out, nil
}

// CollectMarkdown accumulates only delta content, which for image generation
// is a Markdown document carrying the image link.
func (f *Framer) CollectMarkdown(r io.Reader) (string, error) {
	collected, err := f.Collect(r)
	if err != nil {
		return "", err
	}
	return collected.Text, nil
}

// ExtractImagePath pulls the first Markdown image link out of the buffer and
// strips the upstream's internal URL prefix, leaving a storage lookup key.
func ExtractImagePath(markdown string) (string, error) {
	m := imageLinkRe.FindStringSubmatch(markdown)
	if len(m) < 2 || m[1] == "" {
		return "", fmt.Errorf("no image link in markdown")
	}
	return strings.Replace(m[1], internalURLPrefix, "", 1), nil
}

func (f *Framer) parse(data string) (map[string]any, bool) {
	var evt map[string]any
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		f.logger().Debug("dropping malformed SSE payload", "error", err)
		return nil, false
	}
	return evt, true
}

// shouldDrop reports whether an event is upstream housekeeping rather than
// content: liveness pings, analytics markers, and operation/message pairs.
func shouldDrop(evt map[string]any) bool {
	if _, ok := evt["ping"]; ok {
		return true
	}
	data, ok := evt["data"].(map[string]any)
	if !ok {
		return false
	}
	if _, ok := data["analytics"]; ok {
		return true
	}
	_, hasOp := data["operation"]
	_, hasMsg := data["message"]
	return hasOp && hasMsg
}

// webSources returns the URLs of a web-search-result event, if this is one.
func webSources(evt map[string]any) ([]string, bool) {
	data, ok := evt["data"].(map[string]any)
	if !ok {
		return nil, false
	}
	web, ok := data["web"].(map[string]any)
	if !ok {
		return nil, false
	}
	raw, ok := web["sources"].([]any)
	if !ok {
		return nil, false
	}
	var urls []string
	for _, s := range raw {
		src, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if u, ok := src["url"].(string); ok && u != "" {
			urls = append(urls, u)
		}
	}
	return urls, true
}

func deltas(evt map[string]any) []map[string]any {
	choices, ok := evt["choices"].([]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if delta, ok := choice["delta"].(map[string]any); ok {
			out = append(out, delta)
		}
	}
	return out
}

func deltaImageURLs(delta map[string]any) []string {
	images, ok := delta["images"].([]any)
	if !ok {
		return nil
	}
	var urls []string
	for _, img := range images {
		m, ok := img.(map[string]any)
		if !ok {
			continue
		}
		if data, ok := m["data"].(string); ok && data != "" {
			urls = append(urls, data)
		}
	}
	return urls
}

// newChunk builds a minimal normalized delta event, stamped with a fresh id
// and fingerprint. Any non-standard extra fields the upstream attached are
// dropped by construction.
func (f *Framer) newChunk(evt map[string]any, content string, index int) openai.ChatCompletionStreamResponse {
	model := f.FallbackModel
	if m, ok := evt["model"].(string); ok && m != "" {
		model = m
	}
	return openai.ChatCompletionStreamResponse{
		ID:                uuid.New().String(),
		Object:            "chat.completion.chunk",
		Created:           time.Now().Unix(),
		Model:             model,
		SystemFingerprint: Fingerprint(),
		Choices: []openai.ChatCompletionStreamChoice{
			{
				Index: index,
				Delta: openai.ChatCompletionStreamChoiceDelta{Content: content},
			},
		},
	}
}

// Fingerprint generates a fresh system_fingerprint value.
func Fingerprint() string {
	return "fp_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return scanner
}
