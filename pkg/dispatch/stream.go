package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aexhq/aex/pkg/aexerr"
	"github.com/aexhq/aex/pkg/admission"
	"github.com/aexhq/aex/pkg/ledger"
)

// estimateDeltaTokens applies spec.md §4.5's fallback token estimate
// for a streaming delta chunk that carries no usage block: max(1,
// len/4) on the delta's text content.
func estimateDeltaTokens(content string) int64 {
	n := int64(len(content)) / 4
	if n < 1 {
		return 1
	}
	return n
}

// deltaContent extracts the first choice's delta.content from a
// decoded streaming chunk, if present.
func deltaContent(chunk map[string]interface{}) (string, bool) {
	choices, ok := chunk["choices"].([]interface{})
	if !ok || len(choices) == 0 {
		return "", false
	}
	choice, ok := choices[0].(map[string]interface{})
	if !ok {
		return "", false
	}
	delta, ok := choice["delta"].(map[string]interface{})
	if !ok {
		return "", false
	}
	content, ok := delta["content"].(string)
	if !ok || content == "" {
		return "", false
	}
	return content, true
}

// Stream implements the SSE dispatch path (spec.md §4.5). It writes
// rewritten `data: ...` lines to w as they arrive, flushing after each
// one when w supports http.Flusher, and settles the reservation
// exactly once on return via a single deferred settle gated by a
// "settled" flag, regardless of which exit path is taken. Stream
// records the outcome to Telemetry, if configured, then delegates to
// stream for the actual upstream round trip.
func (d *Dispatcher) Stream(ctx context.Context, req admission.Request, res admission.Result, authHeader string, w io.Writer) (int64, error) {
	start := time.Now()
	n, err := d.stream(ctx, req, res, authHeader, w)
	if d.Telemetry != nil {
		d.Telemetry.Observe(ctx, "dispatch.stream", req.TenantID, res.ExecutionID, req.AgentID, start, err)
	}
	return n, err
}

func (d *Dispatcher) stream(ctx context.Context, req admission.Request, res admission.Result, authHeader string, w io.Writer) (int64, error) {
	flusher, _ := w.(http.Flusher)
	settled := false
	var settleErr error

	settleReleased := func(statusCode int) {
		if settled {
			return
		}
		settled = true
		settleErr = d.settleReleased(ctx, res.TenantID, res.ExecutionID, statusCode)
	}
	var committedMicro int64
	settleCommitted := func(actualMicro int64) {
		if settled {
			return
		}
		settled = true
		committedMicro = actualMicro
		settleErr = d.settleCommitted(ctx, res.TenantID, res.ExecutionID, actualMicro, http.StatusOK, "")
	}
	defer func() {
		if !settled {
			settleReleased(http.StatusBadGateway)
		}
	}()

	if err := d.Ledger.UpdateExecutionState(ctx, res.ExecutionID, ledger.ExecutionDispatched, 0, ""); err != nil {
		return 0, fmt.Errorf("dispatch: mark dispatched: %w", err)
	}

	upstreamBody, err := rewriteModel(res.PatchedBody, res.Route.UpstreamModel)
	if err != nil {
		settleReleased(http.StatusInternalServerError)
		if settleErr != nil {
			return 0, settleErr
		}
		return 0, err
	}

	httpReq, err := newUpstreamRequest(ctx, res.Route.UpstreamURL, upstreamBody, authHeader, true)
	if err != nil {
		settleReleased(http.StatusInternalServerError)
		if settleErr != nil {
			return 0, settleErr
		}
		return 0, err
	}

	resp, err := d.httpClient().Do(httpReq)
	if err != nil {
		settleReleased(http.StatusBadGateway)
		if settleErr != nil {
			return 0, settleErr
		}
		return 0, aexerr.Wrap(aexerr.CodeUpstream, "upstream request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := readAllLimited(resp.Body)
		settleReleased(resp.StatusCode)
		if settleErr != nil {
			return 0, settleErr
		}
		return 0, aexerr.New(aexerr.CodeUpstream, fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, string(body)))
	}

	var inputTokens, outputTokens int64
	reader := bufio.NewReader(resp.Body)
	for {
		line, readErr := reader.ReadString('\n')
		if len(line) > 0 {
			if werr := d.writeStreamLine(w, line, res.Route.Model, &inputTokens, &outputTokens); werr != nil {
				settleReleased(http.StatusBadGateway)
				if settleErr != nil {
					return 0, settleErr
				}
				return 0, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			settleReleased(http.StatusBadGateway)
			if settleErr != nil {
				return 0, settleErr
			}
			return 0, aexerr.Wrap(aexerr.CodeUpstream, "stream read failed", readErr)
		}
	}

	actualMicro := res.Route.EstimateCostMicro(inputTokens, outputTokens)
	settleCommitted(actualMicro)
	if settleErr != nil {
		return 0, settleErr
	}
	return committedMicro, nil
}

// writeStreamLine implements one line of spec.md §4.5's rewrite rules:
// non-data lines and the keepalive/blank lines pass through unchanged;
// `data: [DONE]` is re-emitted verbatim; any other `data:` line is
// decoded, has its model field rewritten to the client-facing name,
// and has its token counts folded into inputTokens/outputTokens before
// being re-encoded and written.
func (d *Dispatcher) writeStreamLine(w io.Writer, line, clientModel string, inputTokens, outputTokens *int64) error {
	trimmed := strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(trimmed, "data:") {
		_, err := io.WriteString(w, line)
		return err
	}

	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
	if payload == "[DONE]" {
		_, err := io.WriteString(w, "data: [DONE]\n\n")
		return err
	}

	var chunk map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		// Not a JSON chunk we understand — pass through unchanged
		// rather than drop it.
		_, werr := io.WriteString(w, line)
		return werr
	}

	if _, ok := chunk["model"]; ok {
		chunk["model"] = clientModel
	}

	if usage, ok := chunk["usage"].(map[string]interface{}); ok {
		u := parseUsage(usage)
		if in := u.input(); in > 0 {
			*inputTokens = in
		}
		if out := u.output(); out > 0 {
			*outputTokens = out
		}
	} else if content, ok := deltaContent(chunk); ok {
		*outputTokens += estimateDeltaTokens(content)
	}

	encoded, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("dispatch: re-encode stream chunk: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", encoded)
	return err
}
