// Package api is the AEX HTTP surface: OpenAI-compatible agent-facing
// endpoints plus the admin surface, all wired onto the admission and
// dispatch pipeline.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aexhq/aex/pkg/admission"
	"github.com/aexhq/aex/pkg/auth"
	"github.com/aexhq/aex/pkg/dispatch"
)

// ChatHandler serves the agent-facing OpenAI-compatible endpoints
// (spec.md §6): POST /v1/chat/completions, /v1/responses, and
// /v1/embeddings, plus their /openai/v1 aliases. All three share the
// same fixed admission -> dispatch pipeline; only cost estimation,
// streaming policy, and the embeddings dimensions-stripping quirk vary
// per endpoint shape. ChatHandler itself only translates HTTP in and
// out of that pipeline's types.
type ChatHandler struct {
	Admission *admission.Controller
	Dispatch  *dispatch.Dispatcher
	Cache     ResponseCacher
}

type chatRequestEnvelope struct {
	Model     string `json:"model"`
	Stream    bool   `json:"stream"`
	MaxTokens *int   `json:"max_tokens"`
	Input     any    `json:"input"`
}

// isEmbeddingsRequest reports whether endpoint names the embeddings
// shape, which prices on input tokens only — there is no completion to
// estimate an output cost for.
func isEmbeddingsRequest(endpoint string) bool {
	return strings.HasSuffix(endpoint, "/embeddings")
}

// isResponsesRequest reports whether endpoint names the OpenAI
// Responses shape, which spec.md §6 says does not yet support
// streaming.
func isResponsesRequest(endpoint string) bool {
	return strings.HasSuffix(endpoint, "/responses")
}

// estimateTokens derives a pre-dispatch cost estimate without running a
// real tokenizer (spec.md Non-goals rule that out): input is approximated
// from request body size at ~4 bytes/token, output from the caller's
// declared max_tokens or a conservative default when absent. Embeddings
// requests have no completion, so their output estimate is always zero
// regardless of max_tokens.
func estimateTokens(endpoint string, body []byte, maxTokens *int) (input, output int64) {
	input = int64(len(body)) / 4
	if input < 1 {
		input = 1
	}
	if isEmbeddingsRequest(endpoint) {
		return input, 0
	}
	output = int64(256)
	if maxTokens != nil && *maxTokens > 0 {
		output = int64(*maxTokens)
	}
	return input, output
}

// endpointFor strips the /openai prefix alias so both mount points
// resolve to the same router entry.
func endpointFor(path string) string {
	return strings.TrimPrefix(path, "/openai")
}

// stripDimensions removes a "dimensions" key from an embeddings request
// body when the resolved route's provider is on the configured denylist
// (spec.md §6: "for embedding providers that reject dimensions"). A
// body that isn't a JSON object, or that has no "dimensions" key, is
// returned unchanged.
func stripDimensions(body json.RawMessage) (json.RawMessage, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return body, nil
	}
	if _, ok := obj["dimensions"]; !ok {
		return body, nil
	}
	delete(obj, "dimensions")
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("api: strip dimensions: %w", err)
	}
	return out, nil
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	if !principal.CanExecute() {
		WriteForbidden(w, "read-only capability token cannot dispatch executions")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 2<<20)
	body, err := readBody(r)
	if err != nil {
		WriteBadRequest(w, "request body exceeds size limit or could not be read")
		return
	}

	var envelope chatRequestEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return
	}

	endpoint := endpointFor(r.URL.Path)
	if isResponsesRequest(endpoint) && envelope.Stream {
		WriteBadRequest(w, "streaming is not yet supported for /v1/responses")
		return
	}

	inputTokens, outputTokens := estimateTokens(endpoint, body, envelope.MaxTokens)

	admitReq := admission.Request{
		IdempotencyKey:        r.Header.Get("Idempotency-Key"),
		StepID:                r.Header.Get("X-AEX-Step-Id"),
		Endpoint:              endpoint,
		Model:                 envelope.Model,
		AgentID:               principal.GetID(),
		TenantID:              r.Header.Get("X-AEX-Tenant-Id"),
		ProjectID:             r.Header.Get("X-AEX-Project-Id"),
		Body:                  body,
		EstimatedInputTokens:  inputTokens,
		EstimatedOutputTokens: outputTokens,
	}

	res, err := h.Admission.Admit(r.Context(), admitReq)
	if err != nil {
		WriteAEXError(w, r, err)
		return
	}

	if isEmbeddingsRequest(endpoint) && res.Route.StripDimensions {
		stripped, serr := stripDimensions(res.PatchedBody)
		if serr != nil {
			WriteInternal(w, serr)
			return
		}
		res.PatchedBody = stripped
	}

	if res.Replay {
		if cached, ok := h.Cache.Get(res.ExecutionID); ok {
			writeCached(w, cached)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.StatusCode)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"execution_id":      res.ExecutionID,
			"idempotent_replay": true,
			"response_hash":     res.ResponseHash,
		})
		return
	}

	authHeader := r.Header.Get("Authorization")
	if passthrough := r.Header.Get("x-aex-provider-key"); passthrough != "" {
		authHeader = "Bearer " + passthrough
	}

	if envelope.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if _, err := h.Dispatch.Stream(r.Context(), admitReq, res, authHeader, w); err != nil {
			// Headers are already committed for an SSE response; the
			// stream itself carries no error frame beyond what upstream
			// sent, per spec.md §4.5 — the dispatcher has already
			// settled the reservation by the time this returns.
			return
		}
		return
	}

	resp, err := h.Dispatch.Send(r.Context(), admitReq, res, authHeader)
	if err != nil {
		WriteAEXError(w, r, err)
		return
	}

	h.Cache.Put(res.ExecutionID, resp.StatusCode, resp.Body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
