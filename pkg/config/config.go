package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "chaton2api.toml"

	VariantFree = "free"
	VariantPro  = "pro"
)

// ServerConfig is the on-disk TOML configuration for the proxy.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
	// BaseURL is the public base URL clients can reach this proxy on. It is
	// used to derive URLs for persisted inline images.
	BaseURL  string `toml:"base_url"`
	LogLevel string `toml:"log_level,omitempty"`

	Upstream UpstreamConfig `toml:"upstream"`
	Models   ModelsConfig   `toml:"models"`
	Images   ImagesConfig   `toml:"images"`
	TLS      TLSConfig      `toml:"tls"`
}

// UpstreamConfig points at the ChatOn streaming API and its storage lookup.
type UpstreamConfig struct {
	StreamURL  string `toml:"stream_url"`
	StorageURL string `toml:"storage_url"`
	// Variant selects the source tag for plain text chat: "free" maps to
	// chat/free, "pro" to chat/pro.
	Variant string `toml:"variant"`
	// CredentialHelper is the external program that turns an outbound
	// payload (stdin) into a one-shot Authorization/Date header pair
	// (stdout JSON). Its inner workings are opaque to this proxy.
	CredentialHelper string `toml:"credential_helper"`
	TimeoutSeconds   int    `toml:"timeout_seconds,omitempty"`
}

type ModelsConfig struct {
	Allowed []string `toml:"allowed"`
	Default string   `toml:"default"`
}

type ImagesConfig struct {
	// Dir holds inline uploads extracted from vision requests. Files are
	// served back under /images/ and swept after RetentionSeconds.
	Dir              string `toml:"dir"`
	RetentionSeconds int    `toml:"retention_seconds,omitempty"`
	// Style and AspectRatio are forwarded verbatim in generation envelopes.
	Style       string `toml:"style,omitempty"`
	AspectRatio string `toml:"aspect_ratio,omitempty"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	Mode       string `toml:"mode"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
	CertPEM    string `toml:"cert_pem,omitempty"`
	KeyPEM     string `toml:"key_pem,omitempty"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "chaton2api", defaultConfigFileName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "chaton2api", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: "127.0.0.1:8080",
		BaseURL:    "http://127.0.0.1:8080",
		LogLevel:   "info",
		Upstream: UpstreamConfig{
			StreamURL:      "https://api.chaton.ai/chats/stream",
			StorageURL:     "https://api.chaton.ai/storage/",
			Variant:        VariantPro,
			TimeoutSeconds: 300,
		},
		Models: ModelsConfig{
			Allowed: []string{"gpt-4o", "gpt-4o-mini", "claude-3-5-sonnet", "claude"},
			Default: "gpt-4o",
		},
		Images: ImagesConfig{
			Dir:              "images",
			RetentionSeconds: 60,
			Style:            "photographic",
			AspectRatio:      "1:1",
		},
		TLS: TLSConfig{
			Enabled:    false,
			Mode:       "letsencrypt",
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreateServerConfig writes the default config to path if nothing is
// there yet, then loads it.
func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := Save(path, NewDefaultServerConfig()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return LoadServerConfig(path)
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = ":8080"
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = "http://127.0.0.1:8080"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}

	c.Upstream.StreamURL = strings.TrimSpace(c.Upstream.StreamURL)
	if c.Upstream.StreamURL == "" {
		c.Upstream.StreamURL = "https://api.chaton.ai/chats/stream"
	}
	c.Upstream.StorageURL = strings.TrimSpace(c.Upstream.StorageURL)
	if c.Upstream.StorageURL == "" {
		c.Upstream.StorageURL = "https://api.chaton.ai/storage/"
	}
	if !strings.HasSuffix(c.Upstream.StorageURL, "/") {
		c.Upstream.StorageURL += "/"
	}
	c.Upstream.Variant = strings.ToLower(strings.TrimSpace(c.Upstream.Variant))
	if c.Upstream.Variant != VariantFree && c.Upstream.Variant != VariantPro {
		c.Upstream.Variant = VariantPro
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 300
	}

	if len(c.Models.Allowed) == 0 {
		c.Models.Allowed = []string{"gpt-4o", "gpt-4o-mini", "claude-3-5-sonnet", "claude"}
	}
	c.Models.Default = strings.TrimSpace(c.Models.Default)
	if c.Models.Default == "" {
		c.Models.Default = "gpt-4o"
	}

	if strings.TrimSpace(c.Images.Dir) == "" {
		c.Images.Dir = "images"
	}
	if c.Images.RetentionSeconds <= 0 {
		c.Images.RetentionSeconds = 60
	}
	if strings.TrimSpace(c.Images.Style) == "" {
		c.Images.Style = "photographic"
	}
	if strings.TrimSpace(c.Images.AspectRatio) == "" {
		c.Images.AspectRatio = "1:1"
	}

	c.TLS.Mode = strings.ToLower(strings.TrimSpace(c.TLS.Mode))
	if c.TLS.Mode != "letsencrypt" && c.TLS.Mode != "pem" {
		c.TLS.Mode = "letsencrypt"
	}
	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	if strings.TrimSpace(c.TLS.CacheDir) == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if u, err := url.Parse(c.Upstream.StreamURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream stream_url %q", c.Upstream.StreamURL)
	}
	if u, err := url.Parse(c.Upstream.StorageURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream storage_url %q", c.Upstream.StorageURL)
	}
	if c.TLS.Enabled {
		switch c.TLS.Mode {
		case "letsencrypt":
			if strings.TrimSpace(c.TLS.Domain) == "" {
				return errors.New("tls.domain required for letsencrypt mode")
			}
		case "pem":
			if strings.TrimSpace(c.TLS.CertPEM) == "" || strings.TrimSpace(c.TLS.KeyPEM) == "" {
				return errors.New("tls.cert_pem and tls.key_pem required for pem mode")
			}
		}
	}
	return nil
}

// SourceTag returns the upstream source field for a plain text chat request.
func (c *ServerConfig) SourceTag() string {
	if c.Upstream.Variant == VariantFree {
		return "chat/free"
	}
	return "chat/pro"
}

// ResolveModel maps a requested model onto the allow-list, falling back to
// the default model for anything unknown. Unknown models never error.
func (c *ServerConfig) ResolveModel(model string) string {
	for _, m := range c.Models.Allowed {
		if model == m {
			return model
		}
	}
	return c.Models.Default
}
