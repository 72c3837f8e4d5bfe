package proxy

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/arkadas/chaton2api/pkg/imagegen"
	"github.com/arkadas/chaton2api/pkg/reframe"
	"github.com/arkadas/chaton2api/pkg/upstream"
)

const welcomePage = `<!DOCTYPE html>
<html>
<head><title>chaton2api</title></head>
<body>
<h1>chaton2api</h1>
<p>OpenAI-compatible endpoint. POST your chat requests to /v1/chat/completions.</p>
</body>
</html>
`

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the OpenAI-style error body clients expect.
func writeError(w http.ResponseWriter, status int, message string) {
	errType := "api_error"
	if status >= 400 && status < 500 {
		errType = "invalid_request_error"
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}

func (s *Server) handleChatWelcome(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(welcomePage))
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.metrics.request("chat", "bad_request")
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	norm, err := normalizeChatRequest(body, s.cfg, s.images)
	if err != nil {
		s.metrics.request("chat", "bad_request")
		if errors.Is(err, ErrEmptyContent) {
			writeError(w, http.StatusBadRequest, "all message contents are empty")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, err := norm.payload()
	if err != nil {
		s.metrics.request("chat", "error")
		writeError(w, http.StatusInternalServerError, "unable to encode upstream request")
		return
	}

	s.log.Info("chat request", "model", norm.Model, "stream", norm.Stream, "images", norm.HasImages)

	stream, err := s.client.Stream(r.Context(), payload)
	if err != nil {
		s.metrics.upstream("chat", "error")
		s.metrics.request("chat", "error")
		s.writeUpstreamError(w, err)
		return
	}
	defer stream.Close()
	s.metrics.upstream("chat", "ok")

	framer := &reframe.Framer{FallbackModel: norm.Model, Log: s.log}

	if norm.Stream {
		s.metrics.streamActive.Inc()
		defer s.metrics.streamActive.Dec()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		if err := framer.Pipe(stream, w); err != nil {
			// Client went away or upstream broke mid-stream. Headers are
			// already out, so just log.
			s.log.Warn("stream aborted", "error", err)
			s.metrics.request("chat", "aborted")
			return
		}
		s.metrics.request("chat", "ok")
		return
	}

	collected, err := framer.Collect(stream)
	if err != nil {
		s.metrics.request("chat", "error")
		writeError(w, http.StatusBadGateway, "upstream stream failed")
		return
	}
	s.metrics.request("chat", "ok")
	writeJSON(w, http.StatusOK, assembleChatCompletion(norm.Model, collected))
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		// Upstream failures always surface as a server-side error. The
		// original status stays visible in the message only; relaying a
		// 4xx verbatim would blame the client for an upstream rejection.
		status := statusErr.Code
		if status < 500 {
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error())
		return
	}
	var credErr *upstream.CredentialError
	if errors.As(err, &credErr) {
		s.log.Error("credential helper failed", "error", err)
		writeError(w, http.StatusInternalServerError, "unable to obtain upstream credentials")
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	var req openai.ImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.request("images", "bad_request")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		s.metrics.request("images", "bad_request")
		writeError(w, http.StatusBadRequest, "missing required field: prompt")
		return
	}
	n := req.N
	if n <= 0 {
		n = 1
	}

	s.log.Info("image generation request", "n", n, "format", req.ResponseFormat)

	urls, err := s.generator.Generate(r.Context(), req.Prompt, n)
	if err != nil && !errors.Is(err, imagegen.ErrExhausted) {
		s.metrics.imageBatch("error")
		s.metrics.request("images", "error")
		s.writeUpstreamError(w, err)
		return
	}
	if len(urls) == 0 {
		s.metrics.imageBatch("exhausted")
		s.metrics.request("images", "error")
		writeError(w, http.StatusInternalServerError, "image generation failed")
		return
	}
	// A short batch is padded by repeating what was collected rather than
	// failing outright.
	urls = imagegen.Backfill(urls, n)
	s.metrics.imageBatch("ok")

	if req.ResponseFormat == openai.CreateImageResponseFormatB64JSON {
		encoded := make([]string, 0, len(urls))
		for _, url := range urls {
			raw, err := s.client.Download(r.Context(), url)
			if err != nil {
				s.log.Warn("image download failed", "url", url, "error", err)
				continue
			}
			encoded = append(encoded, base64.StdEncoding.EncodeToString(raw))
		}
		if len(encoded) == 0 {
			s.metrics.request("images", "error")
			writeError(w, http.StatusInternalServerError, "unable to download generated images")
			return
		}
		s.metrics.request("images", "ok")
		writeJSON(w, http.StatusOK, assembleImageB64(encoded))
		return
	}

	s.metrics.request("images", "ok")
	writeJSON(w, http.StatusOK, assembleImageURLs(urls))
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	created := time.Now().Unix()
	cards := make([]openai.Model, 0, len(s.cfg.Models.Allowed))
	for _, id := range s.cfg.Models.Allowed {
		cards = append(cards, openai.Model{
			ID:        id,
			Object:    "model",
			CreatedAt: created,
			OwnedBy:   "chaton2api",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": cards})
}
