package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arkadas/chaton2api/pkg/config"
)

func fakeCreds(t *testing.T) CredentialProvider {
	t.Helper()
	return ProviderFunc(func(ctx context.Context, payload []byte) (Credential, error) {
		return Credential{Authorization: "Bearer test-token", Date: "Wed, 01 Jan 2025 00:00:00 GMT"}, nil
	})
}

func TestStreamSendsFixedHeaderSet(t *testing.T) {
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"model":"gpt-4o"}` {
			t.Errorf("unexpected body: %s", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: [DONE]\n"))
	}))
	defer srv.Close()

	c := NewClient(config.UpstreamConfig{StreamURL: srv.URL, StorageURL: srv.URL + "/storage/", TimeoutSeconds: 5}, fakeCreds(t))
	body, err := c.Stream(context.Background(), []byte(`{"model":"gpt-4o"}`))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer body.Close()

	for header, want := range map[string]string{
		"Authorization":    "Bearer test-token",
		"Date":             "Wed, 01 Jan 2025 00:00:00 GMT",
		"User-Agent":       "ChatOn_Android/1.53.502",
		"Accept-Language":  "en-US",
		"Client-Time-Zone": "-05:00",
		"X-Cl-Options":     "hb",
		"Content-Type":     "application/json; charset=UTF-8",
	} {
		if got := gotHeader.Get(header); got != want {
			t.Errorf("header %s = %q, want %q", header, got, want)
		}
	}
}

func TestStreamNon200IsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	c := NewClient(config.UpstreamConfig{StreamURL: srv.URL, StorageURL: srv.URL + "/"}, fakeCreds(t))
	_, err := c.Stream(context.Background(), []byte(`{}`))
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("want StatusError, got %v", err)
	}
	if se.Code != http.StatusTeapot {
		t.Fatalf("unexpected code: %d", se.Code)
	}
}

func TestStreamCredentialFailureIsCredentialError(t *testing.T) {
	broken := ProviderFunc(func(ctx context.Context, payload []byte) (Credential, error) {
		return Credential{}, errors.New("signer offline")
	})
	c := NewClient(config.UpstreamConfig{StreamURL: "http://127.0.0.1:0", StorageURL: "http://127.0.0.1:0/"}, broken)
	_, err := c.Stream(context.Background(), []byte(`{}`))
	var ce *CredentialError
	if !errors.As(err, &ce) {
		t.Fatalf("want CredentialError, got %v", err)
	}
}

func TestResolveStorageReadsGetURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/storage/abc123.png" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"getUrl":"https://cdn.example.test/abc123.png"}`))
	}))
	defer srv.Close()

	c := NewClient(config.UpstreamConfig{StreamURL: srv.URL, StorageURL: srv.URL + "/storage/"}, fakeCreds(t))
	got, err := c.ResolveStorage(context.Background(), "abc123.png")
	if err != nil {
		t.Fatalf("ResolveStorage: %v", err)
	}
	if got != "https://cdn.example.test/abc123.png" {
		t.Fatalf("unexpected url: %q", got)
	}
}

func TestResolveStorageMissingGetURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"putUrl":"nope"}`))
	}))
	defer srv.Close()

	c := NewClient(config.UpstreamConfig{StreamURL: srv.URL, StorageURL: srv.URL + "/storage/"}, fakeCreds(t))
	if _, err := c.ResolveStorage(context.Background(), "abc"); err == nil {
		t.Fatal("expected error for missing getUrl")
	}
}
