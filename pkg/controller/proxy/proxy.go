// Package proxy implements the OpenAI-compatible chat-completions proxy:
// auto-switch trigger plus streaming/non-streaming passthrough with
// in-band repair, grounded on
// original_source/controller/routes/proxy.py's chat_completions_proxy.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/inference-ctl/controller/pkg/logging"
)

// forwardTimeout bounds the round trip to the upstream chat-completions
// endpoint, per spec.md §4.F step 2.
const forwardTimeout = 300 * time.Second

// Switcher is the subset of *supervisor.Supervisor the proxy needs to
// trigger an auto-switch before forwarding a request.
type Switcher interface {
	EnsureRunning(ctx context.Context, modelName string) EnsureResult
}

// EnsureResult mirrors supervisor.EnsureResult so this package does not
// import supervisor directly (keeps the dependency direction one-way:
// supervisor never needs to know about the proxy).
type EnsureResult struct {
	Ready bool
	Error string
}

// Handler implements http.Handler for POST /v1/chat/completions.
type Handler struct {
	log        logging.Logger
	switcher   Switcher
	upstream   string
	bearer     string
	httpClient *http.Client
}

// Options configures a new Handler.
type Options struct {
	Log      logging.Logger
	Switcher Switcher
	// UpstreamURL is the full chat-completions endpoint the proxy
	// forwards to, e.g. http://127.0.0.1:8000/v1/chat/completions.
	UpstreamURL string
	// BearerToken is attached as "Authorization: Bearer <token>" on the
	// forwarded request when non-empty.
	BearerToken string
}

// New constructs a Handler. The outbound client is wrapped with otelhttp
// the same way the teacher wraps its own registry/model-pull client in
// main.go, so forwarded requests participate in the same trace context.
func New(opts Options) *Handler {
	return &Handler{
		log:      opts.Log,
		switcher: opts.Switcher,
		upstream: opts.UpstreamURL,
		bearer:   opts.BearerToken,
		httpClient: &http.Client{
			Timeout:   forwardTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type chatRequestPreview struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var preview chatRequestPreview
	// A body that doesn't decode as JSON just means no auto-switch; the
	// raw bytes are still forwarded unmodified, matching the original's
	// "except Exception: requested_model = None" fallback.
	_ = json.Unmarshal(body, &preview)

	if preview.Model != "" {
		result := h.switcher.EnsureRunning(r.Context(), preview.Model)
		if !result.Ready {
			http.Error(w, result.Error, http.StatusServiceUnavailable)
			return
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.upstream, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if h.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+h.bearer)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()

	if preview.Stream {
		h.forwardStreaming(w, resp)
		return
	}
	h.forwardNonStreaming(w, resp)
}

func (h *Handler) forwardNonStreaming(w http.ResponseWriter, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "failed to read upstream response", http.StatusBadGateway)
		return
	}

	repaired := repairNonStreaming(body, h.log)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(repaired)
}

func (h *Handler) forwardStreaming(w http.ResponseWriter, resp *http.Response) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)

	rep := newStreamRepairer(h.log)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := rep.repair(buf[:n])
			if len(chunk) > 0 {
				w.Write(chunk)
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if readErr != nil {
			break
		}
	}

	if final := rep.finalize(); len(final) > 0 {
		w.Write(final)
		if flusher != nil {
			flusher.Flush()
		}
	}
}
