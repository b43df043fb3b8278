package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VendorGenerator forwards a request to one vendor endpoint. Async kinds get
// an operation in the tracker before the call so the vendor callback can
// reference it.
type VendorGenerator struct {
	kind    string
	url     string
	apiKey  string
	client  *http.Client
	tracker *Tracker
}

func NewVendorGenerator(kind, url, apiKey string, timeout time.Duration, tracker *Tracker) *VendorGenerator {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &VendorGenerator{
		kind:    kind,
		url:     strings.TrimSpace(url),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: timeout},
		tracker: tracker,
	}
}

type vendorRequest struct {
	OperationID string          `json:"operationId,omitempty"`
	UserID      string          `json:"userId"`
	Prompt      string          `json:"prompt"`
	Params      json.RawMessage `json:"params,omitempty"`
}

func (g *VendorGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	async := IsAsync(g.kind) && g.tracker != nil
	var op Operation
	if async {
		op = g.tracker.CreateCharged(g.kind, req.UserID, req.ChargeRef)
	}

	payload, err := json.Marshal(vendorRequest{
		OperationID: op.ID,
		UserID:      req.UserID,
		Prompt:      req.Prompt,
		Params:      req.Params,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal vendor request: %w", err)
	}

	body, err := g.post(ctx, payload)
	if err != nil {
		if async {
			_, _ = g.tracker.complete(context.WithoutCancel(ctx), op.ID, StatusFailed, nil, err.Error(), false)
		}
		return Result{}, err
	}

	if !async {
		return Result{Kind: g.kind, Status: StatusCompleted, Data: asJSON(body)}, nil
	}
	if taskID := extractField(body, "taskId", "task_id", "id"); taskID != "" {
		_ = g.tracker.AttachVendorTask(op.ID, taskID)
	}
	return Result{Kind: g.kind, OperationID: op.ID, Status: StatusPending, Data: asJSON(body)}, nil
}

func (g *VendorGenerator) post(ctx context.Context, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	res, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send %s request: %w", g.kind, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", g.kind, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := extractField(body, "message", "error", "msg", "detail")
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return nil, &VendorError{Kind: g.kind, Status: res.StatusCode, Message: msg}
	}
	return body, nil
}

// asJSON keeps a JSON body as-is and wraps anything else as {"text": ...}.
func asJSON(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	out, _ := json.Marshal(map[string]string{"text": string(trimmed)})
	return out
}

// extractField returns the first string value found under keys, looking at
// the top level and then inside "data".
func extractField(body []byte, keys ...string) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	for _, scope := range []map[string]any{obj, nested(obj, "data")} {
		for _, k := range keys {
			if s, ok := scope[k].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func nested(obj map[string]any, key string) map[string]any {
	m, _ := obj[key].(map[string]any)
	return m
}
