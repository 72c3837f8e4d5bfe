package proxy

import (
	"errors"
	"testing"

	"github.com/arkadas/chaton2api/pkg/config"
	"github.com/arkadas/chaton2api/pkg/upstream"
)

type fakePersister struct {
	saved []string
}

func (f *fakePersister) SaveDataURL(dataURL string) (string, error) {
	f.saved = append(f.saved, dataURL)
	return "http://localhost:8080/images/stored.png", nil
}

func testConfig() *config.ServerConfig {
	cfg := config.NewDefaultServerConfig()
	cfg.Normalize()
	return cfg
}

func TestNormalizeFlattensMultipartText(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o-mini",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "first"},
				{"type": "text", "text": "second"}
			]}
		]
	}`)

	norm, err := normalizeChatRequest(body, testConfig(), &fakePersister{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if norm.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", norm.Model)
	}
	if got := norm.envelope.Messages[0].Content; got != "first second" {
		t.Fatalf("flattened content = %q", got)
	}
	if norm.envelope.Source != upstream.SourcePro {
		t.Fatalf("source = %q, want chat/pro", norm.envelope.Source)
	}
}

func TestNormalizeAllEmptyIsEmptyContent(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": "   "},
			{"role": "assistant", "content": ""}
		]
	}`)

	_, err := normalizeChatRequest(body, testConfig(), &fakePersister{})
	if !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("err = %v, want ErrEmptyContent", err)
	}
}

func TestNormalizePersistsInlineImages(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "what is this"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,aGk="}}
			]}
		]
	}`)

	store := &fakePersister{}
	norm, err := normalizeChatRequest(body, testConfig(), store)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("persisted %d images, want 1", len(store.saved))
	}
	if !norm.HasImages {
		t.Fatal("HasImages not set")
	}
	if norm.envelope.Source != upstream.SourceImageUpload {
		t.Fatalf("source = %q, want chat/image_upload", norm.envelope.Source)
	}
	images := norm.envelope.Messages[0].Images
	if len(images) != 1 || images[0].Data != "http://localhost:8080/images/stored.png" {
		t.Fatalf("images = %+v", images)
	}
}

func TestNormalizeRemoteImageURLPassesThrough(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": [
				{"type": "image_url", "image_url": {"url": "https://example.com/cat.jpg"}}
			]}
		]
	}`)

	store := &fakePersister{}
	norm, err := normalizeChatRequest(body, testConfig(), store)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(store.saved) != 0 {
		t.Fatalf("remote URL should not be persisted, saved %v", store.saved)
	}
	if got := norm.envelope.Messages[0].Images[0].Data; got != "https://example.com/cat.jpg" {
		t.Fatalf("image data = %q", got)
	}
}

func TestNormalizeUnknownModelFallsBack(t *testing.T) {
	body := []byte(`{
		"model": "llama-70b",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	norm, err := normalizeChatRequest(body, testConfig(), &fakePersister{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if norm.Model != "gpt-4o" {
		t.Fatalf("model = %q, want default gpt-4o", norm.Model)
	}
	if norm.envelope.Model != "gpt-4o" {
		t.Fatalf("envelope model = %q", norm.envelope.Model)
	}
}

func TestNormalizeKeepsExplicitZeroSampling(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"temperature": 0,
		"top_p": 0,
		"max_tokens": 0,
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	norm, err := normalizeChatRequest(body, testConfig(), &fakePersister{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	env := norm.envelope
	if env.Temperature == nil || *env.Temperature != 0 {
		t.Fatalf("explicit temperature 0 rewritten to %v", env.Temperature)
	}
	if env.TopP == nil || *env.TopP != 0 {
		t.Fatalf("explicit top_p 0 rewritten to %v", env.TopP)
	}
	if env.MaxTokens != 0 {
		t.Fatalf("explicit max_tokens 0 rewritten to %d", env.MaxTokens)
	}
}

func TestNormalizeAppliesDefaults(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	norm, err := normalizeChatRequest(body, testConfig(), &fakePersister{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	env := norm.envelope
	if env.Temperature == nil || *env.Temperature != 0.6 {
		t.Fatalf("temperature = %v", env.Temperature)
	}
	if env.TopP == nil || *env.TopP != 0.9 {
		t.Fatalf("top_p = %v", env.TopP)
	}
	if env.MaxTokens != 8000 {
		t.Fatalf("max_tokens = %d", env.MaxTokens)
	}
	if !env.FunctionWebSearch {
		t.Fatal("function_web_search should always be set")
	}
	if env.FunctionImageGen {
		t.Fatal("function_image_gen must be off for chat")
	}
}
